// Package chatbridge owns the bot connections to external chat networks and
// routes their inbound events to the binding service and the message router.
package chatbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/observability"
)

var (
	// ErrConflict is returned when a bot is already running under an adapter id.
	ErrConflict = errors.New("bot already running")
	// ErrNotFound is returned when no bot runs under an adapter id.
	ErrNotFound = errors.New("bot not found")
	// ErrUnsupported is returned for adapter types without a registered factory.
	ErrUnsupported = errors.New("unsupported adapter type")
)

// eventTimeout bounds the processing of one inbound event.
const eventTimeout = 30 * time.Second

// Connection is a running bot registered under an adapter id.
type Connection struct {
	ID   int64
	Type model.AdapterType

	adapter Adapter

	mu     sync.RWMutex
	config json.RawMessage
}

// Config returns the configuration the bot currently runs with.
func (c *Connection) Config() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Online reports whether the bot is connected to its network.
func (c *Connection) Online() bool {
	return c.adapter.Online()
}

// Interceptor sees inbound events before routing. A true result consumes the event.
type Interceptor interface {
	ProcessMessage(ctx context.Context, conn *Connection, msg Message) bool
	HandleGroupLeave(ctx context.Context, conn *Connection, ev Leave) bool
}

// Handler routes inbound messages the interceptor did not consume.
type Handler interface {
	HandlePlatformEvent(ctx context.Context, conn *Connection, msg Message)
}

// AdapterLister lists the adapters that should run at start-up.
type AdapterLister interface {
	ListEnabled(ctx context.Context) ([]model.Adapter, error)
}

// Bridge manages bot connections keyed by adapter id.
// All methods are safe for concurrent use.
type Bridge struct {
	logger    *zap.Logger
	metrics   *observability.Metrics
	factories map[model.AdapterType]Factory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	conns       map[int64]*Connection
	interceptor Interceptor
	handler     Handler
}

// NewBridge creates a Bridge that builds adapters with factories.
//
// Precondition: logger must be non-nil. metrics may be nil.
func NewBridge(logger *zap.Logger, metrics *observability.Metrics, factories map[model.AdapterType]Factory) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		logger:    logger,
		metrics:   metrics,
		factories: factories,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[int64]*Connection),
	}
}

// SetInterceptor installs the component that sees inbound events first.
func (b *Bridge) SetInterceptor(i Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = i
}

// SetHandler installs the component that routes unconsumed messages.
func (b *Bridge) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// AddBot builds and starts a bot for adapter id.
//
// Postcondition: Returns ErrConflict if id is already running, ErrUnsupported
// for an unknown type, or the start error. On error nothing is registered.
func (b *Bridge) AddBot(ctx context.Context, id int64, kind model.AdapterType, cfg json.RawMessage) (*Connection, error) {
	factory, ok := b.factories[kind]
	if !ok {
		return nil, fmt.Errorf("adapter %d type %q: %w", id, kind, ErrUnsupported)
	}

	b.mu.Lock()
	if _, exists := b.conns[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("adapter %d: %w", id, ErrConflict)
	}
	adapter, err := factory(id, cfg, b, b.logger.With(zap.Int64("adapter_id", id), zap.String("adapter_type", string(kind))))
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("adapter %d: %w", id, err)
	}
	conn := &Connection{ID: id, Type: kind, adapter: adapter, config: cfg}
	b.conns[id] = conn
	b.mu.Unlock()

	if err := adapter.Start(ctx); err != nil {
		b.mu.Lock()
		if b.conns[id] == conn {
			delete(b.conns, id)
		}
		b.mu.Unlock()
		if disposeErr := adapter.Dispose(); disposeErr != nil {
			b.logger.Debug("disposing failed adapter", zap.Int64("adapter_id", id), zap.Error(disposeErr))
		}
		return nil, fmt.Errorf("starting adapter %d: %w", id, err)
	}

	b.logger.Info("bot added", zap.Int64("adapter_id", id), zap.String("adapter_type", string(kind)))
	return conn, nil
}

// RemoveBot disposes the bot of adapter id.
//
// Postcondition: Returns nil or ErrNotFound.
func (b *Bridge) RemoveBot(id int64) error {
	b.mu.Lock()
	conn, ok := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("adapter %d: %w", id, ErrNotFound)
	}

	if err := conn.adapter.Dispose(); err != nil {
		b.logger.Warn("disposing bot", zap.Int64("adapter_id", id), zap.Error(err))
	}
	b.logger.Info("bot removed", zap.Int64("adapter_id", id))
	return nil
}

// UpdateConfig hot-swaps the configuration of a running bot. The connection
// keeps its identity; an unchanged configuration is a no-op.
func (b *Bridge) UpdateConfig(ctx context.Context, id int64, cfg json.RawMessage) error {
	conn, err := b.Connection(id)
	if err != nil {
		return err
	}
	if sameConfig(conn.Config(), cfg) {
		return nil
	}
	if err := conn.adapter.UpdateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("updating adapter %d: %w", id, err)
	}

	conn.mu.Lock()
	conn.config = cfg
	conn.mu.Unlock()
	b.logger.Info("bot config updated", zap.Int64("adapter_id", id))
	return nil
}

func sameConfig(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}

// Connection returns the running bot of adapter id or ErrNotFound.
func (b *Bridge) Connection(id int64) (*Connection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conn, ok := b.conns[id]
	if !ok {
		return nil, fmt.Errorf("adapter %d: %w", id, ErrNotFound)
	}
	return conn, nil
}

// IsOnline reports whether adapter id runs and is connected.
func (b *Bridge) IsOnline(id int64) bool {
	conn, err := b.Connection(id)
	if err != nil {
		return false
	}
	return conn.Online()
}

// SendToDestination delivers text through conn. Delivery is best effort:
// failures are logged and never returned.
func (b *Bridge) SendToDestination(ctx context.Context, conn *Connection, destinationID string, kind model.TargetType, text string) {
	if conn == nil {
		b.logger.Warn("send without a bot connection", zap.String("destination", destinationID))
		return
	}
	if err := conn.adapter.Send(ctx, destinationID, kind, text); err != nil {
		b.logger.Warn("chat delivery failed",
			zap.Int64("adapter_id", conn.ID),
			zap.String("destination", destinationID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

// LoadEnabled starts a bot for every enabled adapter. Adapters that fail to
// start are logged and skipped.
func (b *Bridge) LoadEnabled(ctx context.Context, lister AdapterLister) error {
	adapters, err := lister.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled adapters: %w", err)
	}
	for _, a := range adapters {
		if _, err := b.AddBot(ctx, a.ID, a.Type, a.Config); err != nil {
			b.logger.Error("failed to start bot",
				zap.Int64("adapter_id", a.ID),
				zap.String("name", a.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close disposes every bot and waits for in-flight events.
func (b *Bridge) Close() {
	b.cancel()

	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = make(map[int64]*Connection)
	b.mu.Unlock()

	for _, conn := range conns {
		if err := conn.adapter.Dispose(); err != nil {
			b.logger.Warn("disposing bot", zap.Int64("adapter_id", conn.ID), zap.Error(err))
		}
	}
	b.wg.Wait()
}

// HandleMessage implements Sink. Each message is processed on its own
// goroutine: the interceptor first, then the handler unless consumed.
func (b *Bridge) HandleMessage(msg Message) {
	if msg.Text == "" {
		return
	}
	conn, interceptor, handler, ok := b.route(msg.AdapterID)
	if !ok {
		return
	}
	b.metrics.ObservePlatformEvent(string(conn.Type), "message")

	b.spawn(func(ctx context.Context) {
		if interceptor != nil && interceptor.ProcessMessage(ctx, conn, msg) {
			return
		}
		if handler != nil {
			handler.HandlePlatformEvent(ctx, conn, msg)
		}
	})
}

// HandleLeave implements Sink.
func (b *Bridge) HandleLeave(ev Leave) {
	conn, interceptor, _, ok := b.route(ev.AdapterID)
	if !ok {
		return
	}
	if interceptor == nil {
		b.wg.Done()
		return
	}
	b.metrics.ObservePlatformEvent(string(conn.Type), "leave")

	b.spawn(func(ctx context.Context) {
		interceptor.HandleGroupLeave(ctx, conn, ev)
	})
}

// route resolves the connection of adapterID and, on success, reserves a slot
// in the in-flight group that the caller must release through spawn.
func (b *Bridge) route(adapterID int64) (*Connection, Interceptor, Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conn, ok := b.conns[adapterID]
	if !ok || b.ctx.Err() != nil {
		return nil, nil, nil, false
	}
	b.wg.Add(1)
	return conn, b.interceptor, b.handler, true
}

func (b *Bridge) spawn(fn func(ctx context.Context)) {
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("panic while handling chat event", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(b.ctx, eventTimeout)
		defer cancel()
		fn(ctx)
	}()
}
