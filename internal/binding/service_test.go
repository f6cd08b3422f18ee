package binding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/session"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

type fakeServers struct {
	servers map[int64]model.Server
}

func (f *fakeServers) Get(_ context.Context, id int64) (model.Server, error) {
	s, ok := f.servers[id]
	if !ok {
		return model.Server{}, postgres.ErrServerNotFound
	}
	return s, nil
}

func (f *fakeServers) ListByAdapter(_ context.Context, adapterID int64) ([]model.Server, error) {
	var out []model.Server
	for id := int64(1); id <= int64(len(f.servers)); id++ {
		if s, ok := f.servers[id]; ok && s.UsesAdapter(adapterID) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeDirectory struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[string]model.SocialAccount
	players  map[string]*model.Player
	linkErr  error
	// beforeLink runs at the start of Link, outside the lock.
	beforeLink func()
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{accounts: map[string]model.SocialAccount{}, players: map[string]*model.Player{}}
}

func (f *fakeDirectory) addPlayer(uuid, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.players[uuid] = &model.Player{ID: f.nextID, UUID: uuid, Name: name}
}

func (f *fakeDirectory) Resolve(_ context.Context, kind model.AdapterType, uid, nickname string) (model.SocialAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(kind) + ":" + uid
	if a, ok := f.accounts[key]; ok {
		return a, nil
	}
	f.nextID++
	a := model.SocialAccount{ID: f.nextID, UID: uid, AdapterType: kind, Nickname: nickname}
	f.accounts[key] = a
	return a, nil
}

func (f *fakeDirectory) Find(_ context.Context, kind model.AdapterType, uid string) (model.SocialAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[string(kind)+":"+uid]
	if !ok {
		return model.SocialAccount{}, postgres.ErrSocialAccountNotFound
	}
	return a, nil
}

func (f *fakeDirectory) Link(_ context.Context, uuid string, socialID int64) error {
	if f.beforeLink != nil {
		f.beforeLink()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	p, ok := f.players[uuid]
	if !ok {
		return postgres.ErrPlayerNotFound
	}
	p.SocialAccountID = &socialID
	return nil
}

func (f *fakeDirectory) Unlink(_ context.Context, playerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.players {
		if p.ID == playerID {
			p.SocialAccountID = nil
			return nil
		}
	}
	return postgres.ErrPlayerNotFound
}

func (f *fakeDirectory) ListBySocialAccount(_ context.Context, socialID int64) ([]model.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Player
	for _, p := range f.players {
		if p.SocialAccountID != nil && *p.SocialAccountID == socialID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeDirectory) linkedTo(uuid string) *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.players[uuid].SocialAccountID
}

type sent struct {
	dest string
	kind model.TargetType
	text string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeMessenger) SendToDestination(_ context.Context, _ *chatbridge.Connection, dest string, kind model.TargetType, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{dest: dest, kind: kind, text: text})
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

type kick struct {
	serverID int64
	uuid     string
	reason   string
}

type fakeKicker struct {
	mu    sync.Mutex
	kicks []kick
	err   error
	// rejection, when set, is returned as an unsuccessful result.
	rejection string
}

func (f *fakeKicker) KickPlayer(_ context.Context, serverID int64, uuid, reason string) (model.RemoteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, kick{serverID: serverID, uuid: uuid, reason: reason})
	if f.err != nil {
		return model.RemoteResult{}, f.err
	}
	if f.rejection != "" {
		return model.RemoteResult{Success: false, Message: f.rejection}, nil
	}
	return model.RemoteResult{Success: true}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const adapterID int64 = 7

type fixture struct {
	svc       *Service
	servers   *fakeServers
	dir       *fakeDirectory
	messenger *fakeMessenger
	kicker    *fakeKicker
	clock     *clock
	conn      *chatbridge.Connection
}

func newServer(id int64, groups ...string) model.Server {
	aid := adapterID
	s := model.Server{
		ID:        id,
		Name:      "srv",
		AdapterID: &aid,
		Binding:   policy.DefaultBindingConfig(),
	}
	for _, g := range groups {
		s.Targets = append(s.Targets, model.Target{ServerID: id, TargetID: g, Type: model.TargetGroup, Enabled: true})
	}
	return s
}

func newFixture(t *testing.T, servers ...model.Server) *fixture {
	t.Helper()
	f := &fixture{
		servers:   &fakeServers{servers: map[int64]model.Server{}},
		dir:       newFakeDirectory(),
		messenger: &fakeMessenger{},
		kicker:    &fakeKicker{},
		clock:     &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		conn:      &chatbridge.Connection{ID: adapterID, Type: model.AdapterOneBot},
	}
	for _, s := range servers {
		f.servers.servers[s.ID] = s
	}
	f.svc = NewService(f.servers, f.dir, f.dir, f.messenger, f.kicker, zaptest.NewLogger(t), nil, WithClock(f.clock.Now))
	return f
}

func groupMessage(channel, user, text string) chatbridge.Message {
	return chatbridge.Message{
		AdapterID: adapterID,
		Platform:  model.AdapterOneBot,
		ChannelID: channel,
		Kind:      model.TargetGroup,
		UserID:    user,
		Nickname:  "nick",
		Text:      text,
	}
}

func TestAddPendingBindingIsIdempotentWhileLive(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	ctx := context.Background()

	first, reused, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.False(t, reused)
	assert.True(t, strings.HasPrefix(first.Code, "/绑定 "))
	assert.Len(t, strings.TrimPrefix(first.Code, "/绑定 "), 6)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), first.ExpiresAt)

	f.clock.Advance(time.Minute)
	second, reused, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first, second)
	assert.Len(t, f.svc.Pending(), 1)
}

func TestAddPendingBindingIssuesNewCodeAfterExpiry(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	ctx := context.Background()

	first, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	assert.Empty(t, f.svc.Pending())

	second, reused, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.False(t, reused)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestAddPendingBindingRequiresAdapter(t *testing.T) {
	srv := newServer(1)
	srv.AdapterID = nil
	f := newFixture(t, srv)

	_, _, err := f.svc.AddPendingBinding(context.Background(), 1, "u-1", "Steve")
	assert.ErrorIs(t, err, ErrNoAdapter)

	_, _, err = f.svc.AddPendingBinding(context.Background(), 99, "u-1", "Steve")
	assert.ErrorIs(t, err, postgres.ErrServerNotFound)
}

func TestProcessMessageBindsOnMatchingCode(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)

	consumed := f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code))
	assert.True(t, consumed)
	assert.Empty(t, f.svc.Pending())
	require.NotNil(t, f.dir.linkedTo("u-1"))
	assert.Equal(t, []string{"绑定 Steve 成功! 你可以进入服务器了!"}, f.messenger.texts())
	assert.Equal(t, "100", f.messenger.sent[0].dest)
	assert.Equal(t, model.TargetGroup, f.messenger.sent[0].kind)

	// The code is single-use.
	assert.False(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))
	assert.Len(t, f.messenger.texts(), 1)
}

func TestProcessMessageIgnoresOtherDestinations(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)

	assert.False(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("200", "555", ch.Code)))
	assert.False(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", "hello")))

	other := &chatbridge.Connection{ID: adapterID + 1, Type: model.AdapterOneBot}
	assert.False(t, f.svc.ProcessMessage(ctx, other, groupMessage("100", "555", ch.Code)))

	assert.Len(t, f.svc.Pending(), 1)
	assert.Nil(t, f.dir.linkedTo("u-1"))
	assert.Empty(t, f.messenger.texts())
}

func TestProcessMessageExpiredCodeIsIgnored(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	assert.False(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))
	assert.Nil(t, f.dir.linkedTo("u-1"))
}

func TestProcessMessageEnforcesBindLimit(t *testing.T) {
	srv := newServer(1, "100")
	srv.Binding.MaxBindCount = 1
	f := newFixture(t, srv)
	f.dir.addPlayer("u-1", "Steve")
	f.dir.addPlayer("u-2", "Alex")
	ctx := context.Background()

	first, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	require.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", first.Code)))

	second, _, err := f.svc.AddPendingBinding(ctx, 1, "u-2", "Alex")
	require.NoError(t, err)
	assert.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", second.Code)))

	assert.Nil(t, f.dir.linkedTo("u-2"))
	texts := f.messenger.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "绑定 Alex 失败! 绑定数量已达上限", texts[1])
	// A failed attempt leaves the challenge usable.
	assert.Len(t, f.svc.Pending(), 1)
}

func TestProcessMessageRestoresChallengeOnStoreFailure(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	f.dir.linkErr = errors.New("db down")
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))
	assert.Len(t, f.svc.Pending(), 1)
	require.Len(t, f.messenger.texts(), 1)
	assert.Contains(t, f.messenger.texts()[0], "db down")
}

func TestFailedBindKeepsOnlyTheReissuedChallenge(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	f.dir.linkErr = errors.New("db down")
	ctx := context.Background()

	first, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.dir.beforeLink = func() {
		close(entered)
		<-release
	}
	done := make(chan bool)
	go func() { done <- f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", first.Code)) }()

	<-entered
	// The player rejoins while the bind attempt is in flight.
	second, reused, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.False(t, reused)
	close(release)
	assert.True(t, <-done)

	pending := f.svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.Code, pending[0].Code)
}

func TestFailedBindDropsChallengeThatExpiredMeanwhile(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	f.dir.linkErr = errors.New("db down")
	f.dir.beforeLink = func() { f.clock.Advance(10 * time.Minute) }
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))
	assert.Empty(t, f.svc.Pending())

	next, reused, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), next.ExpiresAt)
}

func TestProcessMessageUnbindsAndKicks(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	require.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))

	assert.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", "/解绑  Steve ")))
	assert.Nil(t, f.dir.linkedTo("u-1"))

	require.Len(t, f.kicker.kicks, 1)
	assert.Equal(t, int64(1), f.kicker.kicks[0].serverID)
	assert.Equal(t, "u-1", f.kicker.kicks[0].uuid)
	assert.Contains(t, f.kicker.kicks[0].reason, "555")
	assert.Equal(t, "解除绑定 Steve 成功!", f.messenger.texts()[1])
}

func TestUnbindReportsKickFailure(t *testing.T) {
	cases := map[string]struct {
		setup func(*fakeKicker)
		want  string
	}{
		"server offline": {
			setup: func(k *fakeKicker) { k.err = fmt.Errorf("server 1: %w", session.ErrNotFound) },
			want:  "解除绑定 Steve 失败! 服务器未连接",
		},
		"kick rejected": {
			setup: func(k *fakeKicker) { k.rejection = "player is not online" },
			want:  "解除绑定 Steve 失败! kick rejected: player is not online",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newServer(1, "100"))
			f.dir.addPlayer("u-1", "Steve")
			ctx := context.Background()

			ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
			require.NoError(t, err)
			require.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))
			tc.setup(f.kicker)

			assert.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", "/解绑 Steve")))
			assert.Nil(t, f.dir.linkedTo("u-1"))
			require.Len(t, f.kicker.kicks, 1)
			texts := f.messenger.texts()
			require.Len(t, texts, 2)
			assert.Equal(t, tc.want, texts[1])
		})
	}
}

func TestProcessMessageUnbindReportsFailure(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	ctx := context.Background()

	assert.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", "/解绑 Nobody")))
	assert.Equal(t, []string{"解除绑定 Nobody 失败! 未找到关联的社交账号"}, f.messenger.texts())
	assert.Empty(t, f.kicker.kicks)
}

func TestProcessMessageUnbindDisabled(t *testing.T) {
	srv := newServer(1, "100")
	srv.Binding.AllowUnbind = false
	f := newFixture(t, srv)

	assert.False(t, f.svc.ProcessMessage(context.Background(), f.conn, groupMessage("100", "555", "/解绑 Steve")))
	assert.Empty(t, f.messenger.texts())
}

func TestHandleGroupLeaveUnlinksFirstPlayer(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))
	f.dir.addPlayer("u-1", "Steve")
	ctx := context.Background()

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	require.True(t, f.svc.ProcessMessage(ctx, f.conn, groupMessage("100", "555", ch.Code)))

	handled := f.svc.HandleGroupLeave(ctx, f.conn, chatbridge.Leave{
		AdapterID: adapterID, Platform: model.AdapterOneBot, ChannelID: "100", UserID: "555",
	})
	assert.True(t, handled)
	assert.Nil(t, f.dir.linkedTo("u-1"))
	require.Len(t, f.kicker.kicks, 1)
	assert.Equal(t, "u-1", f.kicker.kicks[0].uuid)
}

func TestHandleGroupLeaveWithoutLinkIsIgnored(t *testing.T) {
	f := newFixture(t, newServer(1, "100"))

	assert.False(t, f.svc.HandleGroupLeave(context.Background(), f.conn, chatbridge.Leave{
		AdapterID: adapterID, Platform: model.AdapterOneBot, ChannelID: "100", UserID: "555",
	}))
	assert.False(t, f.svc.HandleGroupLeave(context.Background(), f.conn, chatbridge.Leave{
		AdapterID: adapterID, Platform: model.AdapterOneBot, ChannelID: "999", UserID: "555",
	}))
	assert.Empty(t, f.kicker.kicks)
}

func TestHandleGroupLeaveMatchesChannelsOfTheGuild(t *testing.T) {
	f := newFixture(t, newServer(1, "100"), newServer(2, "300"))
	f.dir.addPlayer("u-1", "Steve")
	ctx := context.Background()
	conn := &chatbridge.Connection{ID: adapterID, Type: model.AdapterDiscord}

	ch, _, err := f.svc.AddPendingBinding(ctx, 1, "u-1", "Steve")
	require.NoError(t, err)
	msg := groupMessage("100", "555", ch.Code)
	msg.Platform = model.AdapterDiscord
	require.True(t, f.svc.ProcessMessage(ctx, conn, msg))

	handled := f.svc.HandleGroupLeave(ctx, conn, chatbridge.Leave{
		AdapterID: adapterID,
		Platform:  model.AdapterDiscord,
		ChannelID: "guild-1",
		Channels:  []string{"99", "100"},
		UserID:    "555",
	})
	assert.True(t, handled)
	assert.Nil(t, f.dir.linkedTo("u-1"))
	require.Len(t, f.kicker.kicks, 1)
	assert.Equal(t, int64(1), f.kicker.kicks[0].serverID)

	f.messenger.mu.Lock()
	defer f.messenger.mu.Unlock()
	require.Len(t, f.messenger.sent, 2)
	assert.Equal(t, "100", f.messenger.sent[1].dest)
	assert.Equal(t, "解除绑定 Steve 成功!", f.messenger.sent[1].text)
}
