package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/session"
)

const defaultKickReason = "You have been kicked"

// Sessions resolves the live session of a server.
type Sessions interface {
	Lookup(serverID int64) (*session.Session, error)
}

// Caller sends requests and notifications over a session.
type Caller interface {
	Call(ctx context.Context, peer jsonrpc.Peer, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(peer jsonrpc.Peer, method string, params any) error
}

type kickParams struct {
	PlayerUUID string `json:"playerUUID"`
	Reason     string `json:"reason"`
}

type commandParams struct {
	Command string `json:"command"`
}

type broadcastParams struct {
	Message string `json:"message"`
}

// Game invokes operations on connected game servers.
type Game struct {
	sessions Sessions
	caller   Caller
	timeout  time.Duration
}

// NewGame creates a Game. timeout <= 0 uses the caller's default deadline.
func NewGame(sessions Sessions, caller Caller, timeout time.Duration) *Game {
	return &Game{sessions: sessions, caller: caller, timeout: timeout}
}

// KickPlayer disconnects playerUUID from serverID.
//
// Postcondition: Returns session.ErrNotFound when the server is offline.
func (g *Game) KickPlayer(ctx context.Context, serverID int64, playerUUID, reason string) (model.RemoteResult, error) {
	if reason == "" {
		reason = defaultKickReason
	}
	return g.call(ctx, serverID, MethodKickPlayer, kickParams{PlayerUUID: playerUUID, Reason: reason})
}

// ExecuteCommand runs command on serverID's console.
func (g *Game) ExecuteCommand(ctx context.Context, serverID int64, command string) (model.RemoteResult, error) {
	return g.call(ctx, serverID, MethodExecuteCommand, commandParams{Command: command})
}

// Broadcast shows message to every player on serverID. Delivery is not confirmed.
func (g *Game) Broadcast(_ context.Context, serverID int64, message string) error {
	sess, err := g.sessions.Lookup(serverID)
	if err != nil {
		return err
	}
	if err := g.caller.Notify(sess.Transport, MethodChatBroadcast, broadcastParams{Message: message}); err != nil {
		return fmt.Errorf("server %d broadcast: %w", serverID, err)
	}
	return nil
}

func (g *Game) call(ctx context.Context, serverID int64, method string, params any) (model.RemoteResult, error) {
	sess, err := g.sessions.Lookup(serverID)
	if err != nil {
		return model.RemoteResult{}, err
	}
	raw, err := g.caller.Call(ctx, sess.Transport, method, params, g.timeout)
	if err != nil {
		return model.RemoteResult{}, err
	}
	var res model.RemoteResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.RemoteResult{}, fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return res, nil
}
