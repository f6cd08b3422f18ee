package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CrashVibe/FGateNexus/internal/binding"
	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/router"
)

type fakePlayers struct {
	mu      sync.Mutex
	players map[string]model.Player
	members map[int64][]int64
	nextID  int64
}

func newFakePlayers() *fakePlayers {
	return &fakePlayers{players: map[string]model.Player{}, members: map[int64][]int64{}}
}

func (f *fakePlayers) Upsert(_ context.Context, uuid, name string, ip *string) (model.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.players[uuid]
	if !ok {
		f.nextID++
		p = model.Player{ID: f.nextID, UUID: uuid}
	}
	p.Name = name
	p.IP = ip
	f.players[uuid] = p
	return p, nil
}

func (f *fakePlayers) AddServer(_ context.Context, playerID, serverID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[serverID] = append(f.members[serverID], playerID)
	return nil
}

func (f *fakePlayers) link(uuid string, socialID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.players[uuid]
	p.SocialAccountID = &socialID
	f.players[uuid] = p
}

type fakeServerStore struct {
	servers map[int64]model.Server
}

func (f *fakeServerStore) Get(_ context.Context, id int64) (model.Server, error) {
	s, ok := f.servers[id]
	if !ok {
		return model.Server{}, errors.New("not found")
	}
	return s, nil
}

type fakeChallenger struct {
	challenge binding.Challenge
	err       error
}

func (f *fakeChallenger) AddPendingBinding(_ context.Context, serverID int64, uuid, name string) (binding.Challenge, bool, error) {
	if f.err != nil {
		return binding.Challenge{}, false, f.err
	}
	ch := f.challenge
	ch.ServerID, ch.PlayerUUID, ch.PlayerName = serverID, uuid, name
	return ch, false, nil
}

type fakeRelay struct {
	mu      sync.Mutex
	chats   []router.ChatMessage
	notices []router.Notice
}

func (f *fakeRelay) HandleGameEvent(_ context.Context, _ int64, msg router.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, msg)
}

func (f *fakeRelay) HandleGameNotice(_ context.Context, _ int64, n router.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

type handlerFixture struct {
	h          *Handlers
	players    *fakePlayers
	servers    *fakeServerStore
	challenger *fakeChallenger
	relay      *fakeRelay
}

func newHandlerFixture(t *testing.T, forceBind bool) *handlerFixture {
	t.Helper()
	cfg := policy.DefaultBindingConfig()
	cfg.ForceBind = forceBind
	cfg.NoBindKickMsg = "{name} send {message} before {time}"
	f := &handlerFixture{
		players: newFakePlayers(),
		servers: &fakeServerStore{servers: map[int64]model.Server{1: {ID: 1, Name: "srv", Binding: cfg}}},
		challenger: &fakeChallenger{challenge: binding.Challenge{
			Code:      "/绑定 ABC123",
			ExpiresAt: time.Date(2026, 1, 1, 4, 5, 0, 0, time.UTC),
		}},
		relay: &fakeRelay{},
	}
	loc := time.FixedZone("UTC+8", 8*60*60)
	f.h = NewHandlers(f.players, f.servers, f.challenger, f.relay, loc, zaptest.NewLogger(t))
	return f
}

func (f *handlerFixture) handler(t *testing.T, method string) func(ctx context.Context, params string) (any, error) {
	t.Helper()
	for _, r := range f.h.Routes() {
		if r.Method == method {
			return func(ctx context.Context, params string) (any, error) {
				return r.Handler(ctx, nil, json.RawMessage(params))
			}
		}
	}
	t.Fatalf("no route for %s", method)
	return nil
}

func TestPlayerLoginAllowsWithoutForceBind(t *testing.T) {
	f := newHandlerFixture(t, false)
	login := f.handler(t, MethodPlayerLogin)

	res, err := login(WithServerID(context.Background(), 1), `{"player":"Steve","uuid":"u-1","ip":null}`)
	require.NoError(t, err)
	assert.Equal(t, LoginDecision{Action: ActionAllow}, res)
	assert.Equal(t, []int64{1}, f.players.members[1])
	assert.Nil(t, f.players.players["u-1"].IP)
}

func TestPlayerLoginKicksUnboundPlayerWithCode(t *testing.T) {
	f := newHandlerFixture(t, true)
	login := f.handler(t, MethodPlayerLogin)

	res, err := login(WithServerID(context.Background(), 1), `{"player":"Steve","uuid":"u-1","ip":"10.0.0.1"}`)
	require.NoError(t, err)
	assert.Equal(t, LoginDecision{Action: ActionKick, Reason: "Steve send /绑定 ABC123 before 2026-01-01 12:05:00"}, res)
	require.NotNil(t, f.players.players["u-1"].IP)
	assert.Equal(t, "10.0.0.1", *f.players.players["u-1"].IP)
}

func TestPlayerLoginAllowsBoundPlayer(t *testing.T) {
	f := newHandlerFixture(t, true)
	login := f.handler(t, MethodPlayerLogin)
	ctx := WithServerID(context.Background(), 1)

	_, err := login(ctx, `{"player":"Steve","uuid":"u-1","ip":null}`)
	require.NoError(t, err)
	f.players.link("u-1", 9)

	res, err := login(ctx, `{"player":"Steve","uuid":"u-1","ip":null}`)
	require.NoError(t, err)
	assert.Equal(t, LoginDecision{Action: ActionAllow}, res)
}

func TestPlayerLoginChallengeFailureKicksWithReason(t *testing.T) {
	f := newHandlerFixture(t, true)
	f.challenger.err = errors.New("server 1: server has no chat adapter")
	login := f.handler(t, MethodPlayerLogin)

	res, err := login(WithServerID(context.Background(), 1), `{"player":"Steve","uuid":"u-1","ip":null}`)
	require.NoError(t, err)
	assert.Equal(t, LoginDecision{Action: ActionKick, Reason: "server 1: server has no chat adapter"}, res)
}

func TestPlayerLoginRejectsInvalidParams(t *testing.T) {
	f := newHandlerFixture(t, false)
	login := f.handler(t, MethodPlayerLogin)
	ctx := WithServerID(context.Background(), 1)

	for _, params := range []string{
		`{"player":"Steve","uuid":"u-1"}`,
		`{"player":"Steve","ip":null}`,
		`{"player":null,"uuid":"u-1","ip":null}`,
		`{"player":"Steve","uuid":"u-1","ip":42}`,
		`[]`,
	} {
		_, err := login(ctx, params)
		var rpcErr *jsonrpc.Error
		require.ErrorAs(t, err, &rpcErr, params)
		assert.Equal(t, jsonrpc.CodeInvalidRequest, rpcErr.Code)
	}
	assert.Empty(t, f.players.players)
}

func TestHandlersRequireServerID(t *testing.T) {
	f := newHandlerFixture(t, false)
	_, err := f.handler(t, MethodPlayerLogin)(context.Background(), `{"player":"Steve","uuid":"u-1","ip":null}`)
	assert.ErrorIs(t, err, errUnregistered)
}

func TestChatMessageIsRelayed(t *testing.T) {
	f := newHandlerFixture(t, false)
	chat := f.handler(t, MethodChatMessage)
	ctx := WithServerID(context.Background(), 1)

	_, err := chat(ctx, `{"playerName":"Steve","playerUUID":"u-1","message":"hi","timestamp":1700000000000}`)
	require.NoError(t, err)
	_, err = chat(ctx, `{"playerName":"Steve","message":"hi","timestamp":1}`)
	require.NoError(t, err)
	_, err = chat(ctx, `{"playerName":"Steve","playerUUID":"u-1","message":"hi","timestamp":"now"}`)
	require.NoError(t, err)

	require.Len(t, f.relay.chats, 1)
	assert.Equal(t, router.ChatMessage{PlayerName: "Steve", PlayerUUID: "u-1", Message: "hi", Timestamp: 1700000000000}, f.relay.chats[0])
}

func TestNoticesAreRelayed(t *testing.T) {
	f := newHandlerFixture(t, false)
	ctx := WithServerID(context.Background(), 1)

	_, err := f.handler(t, MethodPlayerJoin)(ctx, `{"playerName":"Steve"}`)
	require.NoError(t, err)
	_, err = f.handler(t, MethodPlayerDeath)(ctx, `{"playerName":"Steve","deathMessage":"fell"}`)
	require.NoError(t, err)
	_, err = f.handler(t, MethodPlayerLeave)(ctx, `{"name":"Steve"}`)
	require.NoError(t, err)

	assert.Equal(t, []router.Notice{
		{Kind: router.NoticeJoin, PlayerName: "Steve"},
		{Kind: router.NoticeDeath, PlayerName: "Steve", DeathMessage: "fell"},
	}, f.relay.notices)
}
