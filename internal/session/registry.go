// Package session tracks the live transport session of each game server.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/observability"
)

// Close codes sent when the gateway ends a session.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
)

// MethodClientInfo is the handshake method every server must answer.
const MethodClientInfo = "get.client.info"

var (
	// ErrConflict is returned when a server already has a live session.
	ErrConflict = errors.New("server already connected")
	// ErrNotFound is returned when a server has no live session.
	ErrNotFound = errors.New("server not connected")
	// ErrProtocol is returned when the handshake fails or answers with an invalid payload.
	ErrProtocol = errors.New("protocol error")
)

// Transport is a bidirectional connection to one game server.
type Transport interface {
	jsonrpc.Peer
	// Close ends the connection with a close code and reason.
	Close(code int, reason string) error
}

// Caller is the correlation engine as used by the registry.
type Caller interface {
	Attach(peerID string)
	CancelAll(peerID string) int
	Call(ctx context.Context, peer jsonrpc.Peer, method string, params any, timeout time.Duration) (json.RawMessage, error)
	RespondError(peer jsonrpc.Peer, id json.RawMessage, code int, message string, data any) error
}

// ClientInfoRecorder persists what a server reported during the handshake.
type ClientInfoRecorder interface {
	UpdateClientInfo(ctx context.Context, serverID int64, version, software string) error
}

// ClientInfo is the handshake payload.
type ClientInfo struct {
	MinecraftVersion  string `json:"minecraft_version"`
	MinecraftSoftware string `json:"minecraft_software"`
	SupportsPAPI      bool   `json:"supports_papi"`
	SupportsCommand   bool   `json:"supports_command"`
	PlayerCount       int    `json:"player_count"`
}

// Session is the live connection of one server.
type Session struct {
	ServerID    int64
	Transport   Transport
	ConnectedAt time.Time

	mu   sync.RWMutex
	info *ClientInfo
}

// ClientInfo returns the cached handshake payload, if any.
func (s *Session) ClientInfo() (ClientInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info == nil {
		return ClientInfo{}, false
	}
	return *s.info, true
}

func (s *Session) setClientInfo(info ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = &info
}

// Registry holds at most one session per server id.
// All methods are safe for concurrent use.
type Registry struct {
	engine           Caller
	recorder         ClientInfoRecorder
	logger           *zap.Logger
	metrics          *observability.Metrics
	handshakeTimeout time.Duration

	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewRegistry creates an empty Registry.
//
// Precondition: engine, recorder and logger must be non-nil. metrics may be nil.
func NewRegistry(engine Caller, recorder ClientInfoRecorder, logger *zap.Logger, metrics *observability.Metrics, handshakeTimeout time.Duration) *Registry {
	return &Registry{
		engine:           engine,
		recorder:         recorder,
		logger:           logger,
		metrics:          metrics,
		handshakeTimeout: handshakeTimeout,
		sessions:         make(map[int64]*Session),
	}
}

// Register binds t to serverID and performs the client-info handshake.
//
// Postcondition: On success the session is live with its ClientInfo cached and
// the reported version written back. ErrConflict leaves any existing session
// untouched and t open. Any other failure rolls the entry back, closes t with
// CloseProtocolError and returns an error wrapping ErrProtocol.
func (r *Registry) Register(ctx context.Context, t Transport, serverID int64) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[serverID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("server %d: %w", serverID, ErrConflict)
	}
	sess := &Session{ServerID: serverID, Transport: t, ConnectedAt: time.Now()}
	r.sessions[serverID] = sess
	r.mu.Unlock()

	r.engine.Attach(t.ID())
	r.metrics.SessionOpened()

	info, err := r.handshake(ctx, t)
	if err != nil {
		r.logger.Warn("handshake failed",
			zap.Int64("server_id", serverID),
			zap.String("transport", t.ID()),
			zap.Error(err),
		)
		r.drop(sess, CloseProtocolError, "handshake failed")
		return nil, fmt.Errorf("server %d handshake: %w: %w", serverID, ErrProtocol, err)
	}
	sess.setClientInfo(info)

	if err := r.recorder.UpdateClientInfo(ctx, serverID, info.MinecraftVersion, info.MinecraftSoftware); err != nil {
		r.logger.Warn("failed to record client info",
			zap.Int64("server_id", serverID),
			zap.Error(err),
		)
	}

	r.logger.Info("server connected",
		zap.Int64("server_id", serverID),
		zap.String("transport", t.ID()),
		zap.String("minecraft_version", info.MinecraftVersion),
		zap.String("minecraft_software", info.MinecraftSoftware),
		zap.Int("player_count", info.PlayerCount),
	)
	return sess, nil
}

func (r *Registry) handshake(ctx context.Context, t Transport) (ClientInfo, error) {
	raw, err := r.engine.Call(ctx, t, MethodClientInfo, nil, r.handshakeTimeout)
	if err != nil {
		return ClientInfo{}, err
	}
	info, err := parseClientInfo(raw)
	if err != nil {
		if sendErr := r.engine.RespondError(t, nil, jsonrpc.CodeInternalError, "Invalid client info response", err.Error()); sendErr != nil {
			r.logger.Debug("failed to report invalid client info", zap.Error(sendErr))
		}
		return ClientInfo{}, err
	}
	return info, nil
}

func parseClientInfo(raw json.RawMessage) (ClientInfo, error) {
	var wire struct {
		MinecraftVersion  *string `json:"minecraft_version"`
		MinecraftSoftware *string `json:"minecraft_software"`
		SupportsPAPI      *bool   `json:"supports_papi"`
		SupportsCommand   *bool   `json:"supports_command"`
		PlayerCount       *int    `json:"player_count"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ClientInfo{}, fmt.Errorf("decoding client info: %w", err)
	}
	var missing []string
	if wire.MinecraftVersion == nil {
		missing = append(missing, "minecraft_version")
	}
	if wire.MinecraftSoftware == nil {
		missing = append(missing, "minecraft_software")
	}
	if wire.SupportsPAPI == nil {
		missing = append(missing, "supports_papi")
	}
	if wire.SupportsCommand == nil {
		missing = append(missing, "supports_command")
	}
	if wire.PlayerCount == nil {
		missing = append(missing, "player_count")
	}
	if len(missing) > 0 {
		return ClientInfo{}, fmt.Errorf("client info missing %v", missing)
	}
	return ClientInfo{
		MinecraftVersion:  *wire.MinecraftVersion,
		MinecraftSoftware: *wire.MinecraftSoftware,
		SupportsPAPI:      *wire.SupportsPAPI,
		SupportsCommand:   *wire.SupportsCommand,
		PlayerCount:       *wire.PlayerCount,
	}, nil
}

// drop removes sess if it is still the registered session of its server,
// cancels its pending calls and closes its transport.
func (r *Registry) drop(sess *Session, code int, reason string) bool {
	r.mu.Lock()
	current, ok := r.sessions[sess.ServerID]
	removed := ok && current == sess
	if removed {
		delete(r.sessions, sess.ServerID)
	}
	r.mu.Unlock()

	if removed {
		r.metrics.SessionClosed()
	}
	r.engine.CancelAll(sess.Transport.ID())
	if err := sess.Transport.Close(code, reason); err != nil {
		r.logger.Debug("closing transport",
			zap.Int64("server_id", sess.ServerID),
			zap.Error(err),
		)
	}
	return removed
}

// Lookup returns the live session of serverID or ErrNotFound.
func (r *Registry) Lookup(serverID int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("server %d: %w", serverID, ErrNotFound)
	}
	return sess, nil
}

// LookupByTransport returns the session bound to transportID or ErrNotFound.
func (r *Registry) LookupByTransport(transportID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.Transport.ID() == transportID {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("transport %s: %w", transportID, ErrNotFound)
}

// Remove ends the session of serverID with a normal close and cancels its
// pending calls.
//
// Postcondition: Returns nil or ErrNotFound.
func (r *Registry) Remove(serverID int64) error {
	sess, err := r.Lookup(serverID)
	if err != nil {
		return err
	}
	if !r.drop(sess, CloseNormal, "") {
		return fmt.Errorf("server %d: %w", serverID, ErrNotFound)
	}
	r.logger.Info("server disconnected", zap.Int64("server_id", serverID))
	return nil
}

// RemoveTransport ends the session bound to transportID, if any.
//
// Postcondition: Returns nil or ErrNotFound.
func (r *Registry) RemoveTransport(transportID string) error {
	sess, err := r.LookupByTransport(transportID)
	if err != nil {
		return err
	}
	return r.Remove(sess.ServerID)
}

// CloseAll ends every session with a going-away close.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		r.drop(sess, CloseGoingAway, "server shutting down")
	}
}

// SetClientInfo replaces the cached handshake payload of serverID.
func (r *Registry) SetClientInfo(serverID int64, info ClientInfo) error {
	sess, err := r.Lookup(serverID)
	if err != nil {
		return err
	}
	sess.setClientInfo(info)
	return nil
}

// ClientInfo returns the cached handshake payload of serverID.
func (r *Registry) ClientInfo(serverID int64) (ClientInfo, bool) {
	sess, err := r.Lookup(serverID)
	if err != nil {
		return ClientInfo{}, false
	}
	return sess.ClientInfo()
}

// Online reports whether serverID has a live session.
func (r *Registry) Online(serverID int64) bool {
	_, err := r.Lookup(serverID)
	return err == nil
}

// ServerIDs returns the ids of every connected server in ascending order.
func (r *Registry) ServerIDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
