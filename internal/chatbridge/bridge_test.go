package chatbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/CrashVibe/FGateNexus/internal/model"
)

type sentMessage struct {
	dest string
	kind model.TargetType
	text string
}

type fakeAdapter struct {
	mu       sync.Mutex
	id       int64
	sink     Sink
	cfg      json.RawMessage
	online   bool
	started  bool
	disposed bool
	updates  int
	sent     []sentMessage
	startErr error
	sendErr  error
}

func (a *fakeAdapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.started = true
	a.online = true
	return nil
}

func (a *fakeAdapter) UpdateConfig(_ context.Context, cfg json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.updates++
	return nil
}

func (a *fakeAdapter) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *fakeAdapter) Send(_ context.Context, dest string, kind model.TargetType, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentMessage{dest: dest, kind: kind, text: text})
	return a.sendErr
}

func (a *fakeAdapter) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = true
	a.online = false
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	adapters map[int64]*fakeAdapter
	startErr error
}

func (f *fakeFactory) build(id int64, cfg json.RawMessage, sink Sink, _ *zap.Logger) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adapters == nil {
		f.adapters = make(map[int64]*fakeAdapter)
	}
	a := &fakeAdapter{id: id, sink: sink, cfg: cfg, startErr: f.startErr}
	f.adapters[id] = a
	return a, nil
}

func (f *fakeFactory) get(id int64) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[id]
}

func newBridge(t *testing.T) (*Bridge, *fakeFactory) {
	f := &fakeFactory{}
	b := NewBridge(zaptest.NewLogger(t), nil, map[model.AdapterType]Factory{model.AdapterOneBot: f.build})
	t.Cleanup(b.Close)
	return b, f
}

var cfgA = json.RawMessage(`{"selfId":"1","protocol":"ws","endpoint":"ws://a"}`)

func TestAddBot(t *testing.T) {
	b, f := newBridge(t)

	conn, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conn.ID)
	assert.True(t, f.get(1).started)
	assert.True(t, b.IsOnline(1))

	_, err = b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = b.AddBot(context.Background(), 2, model.AdapterDiscord, cfgA)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAddBotStartFailureRollsBack(t *testing.T) {
	b, f := newBridge(t)
	boom := errors.New("dial failed")
	f.startErr = boom

	_, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.ErrorIs(t, err, boom)
	assert.True(t, f.get(1).disposed)
	_, err = b.Connection(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveBot(t *testing.T) {
	b, f := newBridge(t)
	_, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)

	require.NoError(t, b.RemoveBot(1))
	assert.True(t, f.get(1).disposed)
	assert.False(t, b.IsOnline(1))
	assert.ErrorIs(t, b.RemoveBot(1), ErrNotFound)
}

func TestUpdateConfigUnchangedIsNoop(t *testing.T) {
	b, f := newBridge(t)
	conn, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)

	reordered := json.RawMessage(`{"endpoint":"ws://a","protocol":"ws","selfId":"1"}`)
	require.NoError(t, b.UpdateConfig(context.Background(), 1, reordered))

	assert.Zero(t, f.get(1).updates)
	assert.True(t, b.IsOnline(1))
	same, err := b.Connection(1)
	require.NoError(t, err)
	assert.Same(t, conn, same)
}

func TestUpdateConfigSwapsInPlace(t *testing.T) {
	b, f := newBridge(t)
	conn, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)

	next := json.RawMessage(`{"selfId":"1","protocol":"ws","endpoint":"ws://b"}`)
	require.NoError(t, b.UpdateConfig(context.Background(), 1, next))

	assert.Equal(t, 1, f.get(1).updates)
	assert.JSONEq(t, string(next), string(conn.Config()))
	assert.ErrorIs(t, b.UpdateConfig(context.Background(), 9, next), ErrNotFound)
}

func TestSendToDestinationSwallowsFailures(t *testing.T) {
	b, f := newBridge(t)
	conn, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)
	f.get(1).sendErr = errors.New("rate limited")

	assert.NotPanics(t, func() {
		b.SendToDestination(context.Background(), conn, "100", model.TargetGroup, "hi")
		b.SendToDestination(context.Background(), nil, "100", model.TargetGroup, "hi")
	})
	require.Len(t, f.get(1).sent, 1)
	assert.Equal(t, sentMessage{dest: "100", kind: model.TargetGroup, text: "hi"}, f.get(1).sent[0])
}

type recordingInterceptor struct {
	consume bool
	mu      sync.Mutex
	seen    []Message
	leaves  []Leave
}

func (r *recordingInterceptor) ProcessMessage(_ context.Context, _ *Connection, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg)
	return r.consume
}

func (r *recordingInterceptor) HandleGroupLeave(_ context.Context, _ *Connection, ev Leave) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, ev)
	return true
}

func (r *recordingInterceptor) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen), len(r.leaves)
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []Message
}

func (r *recordingHandler) HandlePlatformEvent(_ context.Context, _ *Connection, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg)
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestInboundMessageConsumedByInterceptor(t *testing.T) {
	b, f := newBridge(t)
	icpt := &recordingInterceptor{consume: true}
	h := &recordingHandler{}
	b.SetInterceptor(icpt)
	b.SetHandler(h)
	_, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)

	f.get(1).sink.HandleMessage(Message{AdapterID: 1, ChannelID: "100", Kind: model.TargetGroup, UserID: "u", Text: "/绑定 ABC"})

	require.Eventually(t, func() bool { n, _ := icpt.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	b.Close()
	assert.Zero(t, h.count())
}

func TestInboundMessageFallsThroughToHandler(t *testing.T) {
	b, f := newBridge(t)
	icpt := &recordingInterceptor{}
	h := &recordingHandler{}
	b.SetInterceptor(icpt)
	b.SetHandler(h)
	_, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)

	sink := f.get(1).sink
	sink.HandleMessage(Message{AdapterID: 1, ChannelID: "100", Kind: model.TargetGroup, UserID: "u", Text: "hello"})
	sink.HandleMessage(Message{AdapterID: 1, ChannelID: "100", Kind: model.TargetGroup, UserID: "u", Text: ""})
	sink.HandleMessage(Message{AdapterID: 42, ChannelID: "100", Kind: model.TargetGroup, UserID: "u", Text: "unknown bot"})
	sink.HandleLeave(Leave{AdapterID: 1, ChannelID: "100", UserID: "u"})

	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { _, n := icpt.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	n, _ := icpt.counts()
	assert.Equal(t, 1, n)
}

type fakeLister struct {
	adapters []model.Adapter
	err      error
}

func (l fakeLister) ListEnabled(context.Context) ([]model.Adapter, error) {
	return l.adapters, l.err
}

func TestLoadEnabled(t *testing.T) {
	b, _ := newBridge(t)
	err := b.LoadEnabled(context.Background(), fakeLister{adapters: []model.Adapter{
		{ID: 1, Name: "qq", Type: model.AdapterOneBot, Enabled: true, Config: cfgA},
		{ID: 2, Name: "unknown", Type: model.AdapterType("matrix"), Enabled: true},
	}})
	require.NoError(t, err)
	assert.True(t, b.IsOnline(1))
	assert.False(t, b.IsOnline(2))

	assert.Error(t, b.LoadEnabled(context.Background(), fakeLister{err: errors.New("db down")}))
}

func TestCloseDisposesBots(t *testing.T) {
	b, f := newBridge(t)
	_, err := b.AddBot(context.Background(), 1, model.AdapterOneBot, cfgA)
	require.NoError(t, err)

	b.Close()
	assert.True(t, f.get(1).disposed)
	_, err = b.Connection(1)
	assert.ErrorIs(t, err, ErrNotFound)
}
