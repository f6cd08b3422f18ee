// Package dispatch routes inbound protocol requests from game servers to
// method handlers and converts handler outcomes into responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
)

// Handler serves one method. For requests the returned result becomes the
// response; for notifications it is discarded. Returning a *jsonrpc.Error
// selects the error code sent back; any other error becomes an internal error.
type Handler func(ctx context.Context, peer jsonrpc.Peer, params json.RawMessage) (any, error)

// Route binds a method name to its handler.
type Route struct {
	Method  string
	Handler Handler
}

// Responder writes responses back to a peer.
type Responder interface {
	Respond(peer jsonrpc.Peer, id json.RawMessage, result any) error
	RespondError(peer jsonrpc.Peer, id json.RawMessage, code int, message string, data any) error
}

// Dispatcher maps method names to handlers.
type Dispatcher struct {
	responder Responder
	logger    *zap.Logger
	handlers  map[string]Handler
}

// New creates a Dispatcher serving routes.
//
// Precondition: No two routes may share a method name.
// Postcondition: Returns a Dispatcher or an error naming the duplicate method.
func New(responder Responder, logger *zap.Logger, routes ...Route) (*Dispatcher, error) {
	d := &Dispatcher{
		responder: responder,
		logger:    logger,
		handlers:  make(map[string]Handler, len(routes)),
	}
	for _, r := range routes {
		if r.Method == "" || r.Handler == nil {
			return nil, fmt.Errorf("route %q must have a method and a handler", r.Method)
		}
		if _, exists := d.handlers[r.Method]; exists {
			return nil, fmt.Errorf("duplicate handler for method %q", r.Method)
		}
		d.handlers[r.Method] = r.Handler
	}
	return d, nil
}

// MustNew is New that panics on a duplicate method. Intended for process startup.
func MustNew(responder Responder, logger *zap.Logger, routes ...Route) *Dispatcher {
	d, err := New(responder, logger, routes...)
	if err != nil {
		panic(fmt.Sprintf("building dispatcher: %v", err))
	}
	return d
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for req. It never propagates a failure: unknown
// methods are answered with a method-not-found error and handler errors or
// panics with an internal error, echoing the request id.
func (d *Dispatcher) Dispatch(ctx context.Context, peer jsonrpc.Peer, req *jsonrpc.Request) {
	h, ok := d.handlers[req.Method]
	if !ok {
		d.logger.Warn("no handler for method",
			zap.String("peer", peer.ID()),
			zap.String("method", req.Method),
		)
		d.replyError(peer, req, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	result, err := d.invoke(ctx, h, peer, req)
	if err != nil {
		d.logger.Error("handler failed",
			zap.String("peer", peer.ID()),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "Internal error", Data: err.Error()}
		}
		d.replyError(peer, req, rpcErr)
		return
	}

	if req.IsNotification() {
		return
	}
	if err := d.responder.Respond(peer, req.ID, result); err != nil {
		d.logger.Warn("failed to send response",
			zap.String("peer", peer.ID()),
			zap.String("method", req.Method),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, peer jsonrpc.Peer, req *jsonrpc.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, peer, req.Params)
}

func (d *Dispatcher) replyError(peer jsonrpc.Peer, req *jsonrpc.Request, rpcErr *jsonrpc.Error) {
	if err := d.responder.RespondError(peer, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data); err != nil {
		d.logger.Warn("failed to send error response",
			zap.String("peer", peer.ID()),
			zap.String("method", req.Method),
			zap.Error(err),
		)
	}
}
