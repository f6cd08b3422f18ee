package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/CrashVibe/FGateNexus/internal/config"
	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/session"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

const (
	// HeaderAPIVersion carries the client's protocol version.
	HeaderAPIVersion = "X-Api-Version"

	closeInternalError = 1011
	welcomeMessage     = "连接成功，欢迎使用 FGATE"
	requestQueueSize   = 256
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// TokenStore resolves a server from its access token.
type TokenStore interface {
	GetByToken(ctx context.Context, token string) (model.Server, error)
}

// Dispatcher serves one inbound request.
type Dispatcher interface {
	Dispatch(ctx context.Context, peer jsonrpc.Peer, req *jsonrpc.Request)
}

// Engine is the correlation engine as used by the acceptor.
type Engine interface {
	HandleMessage(peer jsonrpc.Peer, data []byte) *jsonrpc.Request
	Notify(peer jsonrpc.Peer, method string, params any) error
}

// Registry tracks live sessions.
type Registry interface {
	Register(ctx context.Context, t session.Transport, serverID int64) (*session.Session, error)
	RemoveTransport(transportID string) error
	Online(serverID int64) bool
	CloseAll()
}

type welcome struct {
	Message    string `json:"message"`
	APIVersion string `json:"api_version"`
	Warning    string `json:"warning,omitempty"`
}

// rejection is an admission failure sent to the client as a close frame.
type rejection struct {
	code   int
	reason string
	err    error
}

func (r *rejection) Error() string {
	if r.err != nil {
		return r.reason + ": " + r.err.Error()
	}
	return r.reason
}

func (r *rejection) Unwrap() error { return r.err }

func reject(reason string) *rejection {
	return &rejection{code: session.ClosePolicyViolation, reason: reason}
}

// Acceptor upgrades game-server connections on the websocket endpoint and
// runs one session per connection.
type Acceptor struct {
	cfg        config.BridgeConfig
	tokens     TokenStore
	registry   Registry
	engine     Engine
	dispatcher Dispatcher
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewAcceptor creates an Acceptor.
//
// Precondition: every argument must be non-nil; cfg must have passed validation.
func NewAcceptor(cfg config.BridgeConfig, tokens TokenStore, registry Registry, engine Engine, dispatcher Dispatcher, logger *zap.Logger) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		cfg:        cfg,
		tokens:     tokens,
		registry:   registry,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	a.handleConn(r, NewConn(raw, a.cfg.ReadLimit, a.cfg.WriteTimeout))
}

func (a *Acceptor) handleConn(r *http.Request, conn *Conn) {
	start := time.Now()
	addr := r.RemoteAddr

	srv, warning, err := a.admit(a.ctx, r.Header)
	if err != nil {
		var rej *rejection
		if !errors.As(err, &rej) {
			rej = &rejection{code: closeInternalError, reason: "Internal error", err: err}
		}
		a.logger.Warn("rejecting game server connection",
			zap.String("remote_addr", addr),
			zap.Int("code", rej.code),
			zap.Error(err),
		)
		_ = conn.Close(rej.code, rej.reason)
		return
	}
	if warning != "" {
		a.logger.Warn("outdated client version",
			zap.Int64("server_id", srv.ID),
			zap.String("client_version", r.Header.Get(HeaderAPIVersion)),
			zap.String("warning", warning),
		)
	}

	queue := make(chan *jsonrpc.Request, requestQueueSize)
	stop := make(chan struct{})
	readDone := make(chan struct{})
	go a.readLoop(conn, queue, stop, readDone)

	// The handshake is abandoned as soon as the peer goes away.
	regCtx, cancelReg := context.WithCancel(a.ctx)
	go func() {
		select {
		case <-readDone:
			cancelReg()
		case <-regCtx.Done():
		}
	}()
	_, err = a.registry.Register(regCtx, conn, srv.ID)
	cancelReg()
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			_ = conn.Close(session.ClosePolicyViolation, "Unauthorized: Connection already exists")
		}
		a.logger.Warn("game server registration failed",
			zap.Int64("server_id", srv.ID),
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
		close(stop)
		_ = conn.Close(session.CloseProtocolError, "")
		<-readDone
		return
	}

	if err := a.engine.Notify(conn, MethodWelcome, welcome{
		Message:    welcomeMessage,
		APIVersion: a.cfg.APIVersion,
		Warning:    warning,
	}); err != nil {
		a.logger.Debug("sending welcome", zap.Int64("server_id", srv.ID), zap.Error(err))
	}
	a.logger.Info("game server session started",
		zap.Int64("server_id", srv.ID),
		zap.String("remote_addr", addr),
		zap.String("transport", conn.ID()),
	)

	ctx := WithServerID(a.ctx, srv.ID)
	for req := range queue {
		a.dispatcher.Dispatch(ctx, conn, req)
	}
	close(stop)
	<-readDone

	if err := a.registry.RemoveTransport(conn.ID()); err != nil && !errors.Is(err, session.ErrNotFound) {
		a.logger.Warn("removing session", zap.Int64("server_id", srv.ID), zap.Error(err))
	}
	a.logger.Info("game server session ended",
		zap.Int64("server_id", srv.ID),
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// readLoop settles responses inline and queues requests for the dispatch
// worker in arrival order. It closes queue when the connection ends.
func (a *Acceptor) readLoop(conn *Conn, queue chan<- *jsonrpc.Request, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(queue)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			a.logger.Debug("read loop ended", zap.String("transport", conn.ID()), zap.Error(err))
			return
		}
		req := a.engine.HandleMessage(conn, data)
		if req == nil {
			continue
		}
		select {
		case queue <- req:
		case <-stop:
			return
		}
	}
}

// admit authenticates the upgrade request. It returns the server and, for
// outdated clients, a warning to pass on.
func (a *Acceptor) admit(ctx context.Context, h http.Header) (model.Server, string, error) {
	token := strings.TrimPrefix(h.Get("Authorization"), "Bearer ")
	version := h.Get(HeaderAPIVersion)
	if token == "" || version == "" {
		return model.Server{}, "", reject("Unauthorized: Missing authorization token")
	}
	if !versionPattern.MatchString(version) {
		return model.Server{}, "", reject("Bad Request: Invalid version format")
	}
	warning := versionWarning(version, a.cfg.MinClientVersion)

	srv, err := a.tokens.GetByToken(ctx, token)
	if errors.Is(err, postgres.ErrServerNotFound) {
		return model.Server{}, "", reject("Unauthorized: Invalid authorization token")
	}
	if err != nil {
		return model.Server{}, "", fmt.Errorf("resolving token: %w", err)
	}
	if a.registry.Online(srv.ID) {
		return model.Server{}, "", reject("Unauthorized: Connection already exists")
	}
	return srv, warning, nil
}

// versionWarning returns a warning when client is older than minimum.
func versionWarning(client, minimum string) string {
	if semver.Compare("v"+client, "v"+minimum) >= 0 {
		return ""
	}
	return fmt.Sprintf("客户端版本 %s 低于最低要求版本 %s，建议更新客户端", client, minimum)
}

// Stop refuses new connections, ends every session with a going-away close
// and waits for the connection handlers to return.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.registry.CloseAll()
	a.wg.Wait()
	a.logger.Info("game server acceptor stopped")
}
