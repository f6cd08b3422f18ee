package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/model"
)

const writeTimeout = 10 * time.Second

var (
	// ErrOffline is returned by Send while no websocket is connected.
	ErrOffline = errors.New("onebot: not connected")
	// ErrActionFailed is returned when the implementation rejects an action.
	ErrActionFailed = errors.New("onebot: action failed")
)

// Bot is one OneBot account driven over websocket.
type Bot struct {
	id     int64
	sink   chatbridge.Sink
	hub    *Hub
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.RWMutex
	cfg    Config
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan actionResponse
}

// NewFactory returns a chatbridge.Factory for OneBot bots. Reverse bots are
// served by hub.
func NewFactory(hub *Hub) chatbridge.Factory {
	return func(id int64, raw json.RawMessage, sink chatbridge.Sink, logger *zap.Logger) (chatbridge.Adapter, error) {
		cfg, err := ParseConfig(raw)
		if err != nil {
			return nil, err
		}
		return &Bot{
			id:      id,
			sink:    sink,
			hub:     hub,
			dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
			logger:  logger,
			cfg:     cfg,
			pending: make(map[string]chan actionResponse),
		}, nil
	}
}

// Start implements chatbridge.Adapter.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *Bot) startLocked() error {
	switch b.cfg.Protocol {
	case ProtocolReverse:
		if b.hub == nil {
			return errors.New("onebot: reverse mode needs a hub")
		}
		return b.hub.register(b.cfg.Path, b)
	default:
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		b.cancel = cancel
		b.done = done
		go b.runForward(ctx, b.cfg, done)
		return nil
	}
}

// stopLocked ends the current mode. It must be called with b.mu held; the
// lock is released while waiting for the dial loop.
func (b *Bot) stopLocked() {
	if b.cfg.Protocol == ProtocolReverse && b.hub != nil {
		b.hub.unregister(b.cfg.Path, b)
	}
	cancel, done, conn := b.cancel, b.done, b.conn
	b.cancel, b.done, b.conn = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		b.mu.Unlock()
		<-done
		b.mu.Lock()
	}
	b.failPending(ErrOffline)
}

// UpdateConfig implements chatbridge.Adapter. The bot reconnects with the new
// configuration under the same identity.
func (b *Bot) UpdateConfig(ctx context.Context, raw json.RawMessage) error {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	b.cfg = cfg
	return b.startLocked()
}

// Online implements chatbridge.Adapter.
func (b *Bot) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

// Dispose implements chatbridge.Adapter.
func (b *Bot) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	return nil
}

// Send implements chatbridge.Adapter.
func (b *Bot) Send(ctx context.Context, destinationID string, kind model.TargetType, text string) error {
	target, err := strconv.ParseInt(destinationID, 10, 64)
	if err != nil {
		return fmt.Errorf("onebot: destination %q is not numeric", destinationID)
	}
	switch kind {
	case model.TargetGroup:
		return b.call(ctx, "send_group_msg", groupMessageParams{GroupID: target, Message: text})
	case model.TargetPrivate:
		return b.call(ctx, "send_private_msg", privateMessageParams{UserID: target, Message: text})
	default:
		return fmt.Errorf("onebot: unknown destination kind %q", kind)
	}
}

func (b *Bot) call(ctx context.Context, name string, params any) error {
	b.mu.RLock()
	conn := b.conn
	timeout := b.cfg.actionTimeout()
	b.mu.RUnlock()
	if conn == nil {
		return ErrOffline
	}

	echo := uuid.NewString()
	ch := make(chan actionResponse, 1)
	b.pendingMu.Lock()
	b.pending[echo] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, echo)
		b.pendingMu.Unlock()
	}()

	if err := b.write(conn, action{Action: name, Params: params, Echo: echo}); err != nil {
		return fmt.Errorf("onebot: sending %s: %w", name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Status == "failed" || resp.RetCode != 0 {
			detail := resp.Wording
			if detail == "" {
				detail = resp.Message
			}
			return fmt.Errorf("%w: %s retcode %d %s", ErrActionFailed, name, resp.RetCode, detail)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("onebot: %s timed out after %s", name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) write(conn *websocket.Conn, v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (b *Bot) failPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for echo, ch := range b.pending {
		delete(b.pending, echo)
		ch <- actionResponse{Status: "failed", RetCode: -1, Message: err.Error()}
	}
}

func (b *Bot) runForward(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	attempt := 0
	for {
		conn, _, err := b.dialer.DialContext(ctx, cfg.Endpoint, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := cfg.retryDelay(attempt)
			if delay <= 0 {
				b.logger.Error("giving up on onebot endpoint",
					zap.String("endpoint", cfg.Endpoint),
					zap.Int("attempts", attempt),
					zap.Error(err),
				)
				return
			}
			b.logger.Warn("onebot dial failed",
				zap.String("endpoint", cfg.Endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		if !b.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
		b.logger.Info("onebot connected", zap.String("endpoint", cfg.Endpoint))
		b.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("onebot connection lost, reconnecting", zap.String("endpoint", cfg.Endpoint))
	}
}

// attach makes conn the live connection unless ctx was cancelled meanwhile.
func (b *Bot) attach(ctx context.Context, conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	return true
}

// acceptReverse serves a connection accepted by the hub until it drops.
func (b *Bot) acceptReverse(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info("onebot reverse connection accepted", zap.String("remote", conn.RemoteAddr().String()))
	b.readLoop(conn)
}

func (b *Bot) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("onebot read ended", zap.Error(err))
			}
			return
		}
		b.handleFrame(data)
	}
}

func (b *Bot) handleFrame(data []byte) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		b.logger.Warn("dropping malformed onebot frame", zap.Error(err))
		return
	}

	if p.PostType == "" && p.Status != "" {
		var resp actionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			b.logger.Warn("dropping malformed onebot response", zap.Error(err))
			return
		}
		b.pendingMu.Lock()
		ch, ok := b.pending[resp.Echo]
		delete(b.pending, resp.Echo)
		b.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Debug("dropping undecodable onebot event", zap.String("post_type", p.PostType), zap.Error(err))
		return
	}
	if msg, ok := ev.toMessage(b.id); ok {
		b.sink.HandleMessage(msg)
		return
	}
	if leave, ok := ev.toLeave(b.id); ok {
		b.sink.HandleLeave(leave)
	}
}

func (b *Bot) selfID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.SelfID
}

func (b *Bot) token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Token
}
