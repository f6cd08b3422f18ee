package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/observability"
)

var (
	// ErrTimeout completes a call whose deadline passed before a response arrived.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed completes a call whose peer was torn down.
	ErrConnectionClosed = errors.New("connection closed")
)

// DefaultTimeout is used when neither the engine nor the call sets a deadline.
const DefaultTimeout = 10 * time.Second

// Peer is one end of a transport session.
type Peer interface {
	// ID uniquely identifies the transport for the lifetime of the process.
	ID() string
	// Send transmits one encoded frame.
	Send(data []byte) error
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	peerID string
	done   chan outcome
	timer  *time.Timer
}

// Engine correlates outbound requests with their responses.
//
// Every call completes exactly once: with the response, with ErrTimeout, with
// ErrConnectionClosed on peer teardown, or with the caller's context error.
// Whichever path removes the entry from the pending table wins.
type Engine struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingCall
	attached map[string]struct{}
}

// NewEngine creates an Engine.
//
// Precondition: logger must be non-nil. timeout <= 0 selects DefaultTimeout.
// metrics may be nil.
func NewEngine(logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		logger:   logger,
		metrics:  metrics,
		timeout:  timeout,
		pending:  make(map[string]*pendingCall),
		attached: make(map[string]struct{}),
	}
}

// Attach marks peerID as live so calls may be issued against it.
func (e *Engine) Attach(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached[peerID] = struct{}{}
}

// Attached reports whether peerID is live.
func (e *Engine) Attached(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.attached[peerID]
	return ok
}

// Pending returns the number of calls awaiting completion.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Call sends method to peer and blocks until the call completes.
// timeout <= 0 selects the engine default. A remote error response is
// returned as *Error.
func (e *Engine) Call(ctx context.Context, peer Peer, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	id := uuid.NewString()
	data, err := json.Marshal(Request{JSONRPC: Version, Method: method, Params: rawParams, ID: stringID(id)})
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", method, err)
	}

	call := &pendingCall{peerID: peer.ID(), done: make(chan outcome, 1)}

	e.mu.Lock()
	if _, ok := e.attached[call.peerID]; !ok {
		e.mu.Unlock()
		e.metrics.ObserveRequest(method, "closed")
		return nil, fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	}
	e.pending[id] = call
	call.timer = time.AfterFunc(timeout, func() {
		e.complete(id, "", outcome{err: ErrTimeout})
	})
	e.mu.Unlock()

	if err := peer.Send(data); err != nil {
		e.complete(id, "", outcome{err: fmt.Errorf("sending: %w", err)})
	}

	var out outcome
	select {
	case out = <-call.done:
	case <-ctx.Done():
		e.complete(id, "", outcome{err: ctx.Err()})
		out = <-call.done
	}
	return e.finish(method, out)
}

func (e *Engine) finish(method string, out outcome) (json.RawMessage, error) {
	if out.err == nil {
		e.metrics.ObserveRequest(method, "ok")
		return out.result, nil
	}

	var rpcErr *Error
	switch {
	case errors.As(out.err, &rpcErr):
		e.metrics.ObserveRequest(method, "remote_error")
		return nil, out.err
	case errors.Is(out.err, ErrTimeout):
		e.metrics.ObserveRequest(method, "timeout")
	case errors.Is(out.err, ErrConnectionClosed):
		e.metrics.ObserveRequest(method, "closed")
	default:
		e.metrics.ObserveRequest(method, "error")
	}
	return nil, fmt.Errorf("%s: %w", method, out.err)
}

// complete settles call id. When peerID is non-empty the call must belong to
// that peer. It reports whether this invocation settled the call.
func (e *Engine) complete(id, peerID string, out outcome) bool {
	e.mu.Lock()
	call, ok := e.pending[id]
	if !ok || (peerID != "" && call.peerID != peerID) {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, id)
	e.mu.Unlock()

	call.timer.Stop()
	call.done <- out
	return true
}

// CancelAll detaches peerID and completes each of its pending calls with
// ErrConnectionClosed. Later calls against peerID fail immediately. It is
// idempotent and returns the number of calls it cancelled.
func (e *Engine) CancelAll(peerID string) int {
	e.mu.Lock()
	delete(e.attached, peerID)
	var calls []*pendingCall
	for id, call := range e.pending {
		if call.peerID == peerID {
			delete(e.pending, id)
			calls = append(calls, call)
		}
	}
	e.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.done <- outcome{err: ErrConnectionClosed}
	}
	if len(calls) > 0 {
		e.logger.Debug("cancelled pending requests",
			zap.String("peer", peerID),
			zap.Int("count", len(calls)),
		)
	}
	return len(calls)
}

// Notify sends a notification. Nothing is recorded and no reply is expected.
func (e *Engine) Notify(peer Peer, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	data, err := json.Marshal(Request{JSONRPC: Version, Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("%s: encoding notification: %w", method, err)
	}
	return peer.Send(data)
}

// Respond answers request id with result.
func (e *Engine) Respond(peer Peer, id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return e.send(peer, Response{JSONRPC: Version, Result: raw, ID: id})
}

// RespondError answers request id with an error object. id may be nil.
func (e *Engine) RespondError(peer Peer, id json.RawMessage, code int, message string, data any) error {
	return e.send(peer, Response{JSONRPC: Version, Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (e *Engine) send(peer Peer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return peer.Send(data)
}

// HandleMessage classifies one inbound frame from peer. Responses settle the
// matching pending call; late or unknown responses are dropped. Requests and
// notifications are returned for dispatch. Malformed frames are answered with
// a parse or invalid-request error and yield nil.
func (e *Engine) HandleMessage(peer Peer, data []byte) *Request {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		e.logger.Warn("dropping unparseable frame", zap.String("peer", peer.ID()), zap.Error(err))
		e.reply(peer, nil, CodeParseError, "Parse error")
		return nil
	}
	if f.JSONRPC != Version {
		e.logger.Warn("dropping frame with wrong protocol version",
			zap.String("peer", peer.ID()),
			zap.String("jsonrpc", f.JSONRPC),
		)
		e.reply(peer, f.ID, CodeInvalidRequest, "Invalid Request")
		return nil
	}

	if f.isResponse() {
		e.resolve(peer, &f)
		return nil
	}
	if f.Method == "" {
		e.reply(peer, f.ID, CodeInvalidRequest, "Invalid Request")
		return nil
	}
	return &Request{JSONRPC: f.JSONRPC, Method: f.Method, Params: f.Params, ID: f.ID}
}

func (e *Engine) resolve(peer Peer, f *frame) {
	var id string
	if err := json.Unmarshal(f.ID, &id); err != nil {
		e.logger.Warn("dropping response with non-string id", zap.String("peer", peer.ID()))
		return
	}

	out := outcome{result: f.Result}
	if f.Error != nil {
		out = outcome{err: f.Error}
	}
	if !e.complete(id, peer.ID(), out) {
		e.logger.Debug("dropping response for unknown or settled request",
			zap.String("peer", peer.ID()),
			zap.String("id", id),
		)
	}
}

func (e *Engine) reply(peer Peer, id json.RawMessage, code int, message string) {
	if err := e.RespondError(peer, id, code, message, nil); err != nil {
		e.logger.Debug("failed to send error response", zap.String("peer", peer.ID()), zap.Error(err))
	}
}
