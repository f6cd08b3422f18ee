// Package gateway terminates game-server websocket sessions: it admits
// connections, serves the methods game servers call and exposes the
// operations the rest of the gateway invokes on game servers.
package gateway

import "context"

// Methods served for game servers.
const (
	MethodPlayerLogin = "player.login"
	MethodChatMessage = "chat.message"
	MethodPlayerJoin  = "player.join"
	MethodPlayerLeave = "player.leave"
	MethodPlayerDeath = "player.death"
)

// Methods invoked on game servers.
const (
	MethodWelcome        = "gateway.welcome"
	MethodKickPlayer     = "kick.player"
	MethodExecuteCommand = "execute.command"
	MethodChatBroadcast  = "chat.broadcast"
)

type serverIDKey struct{}

// WithServerID returns a context carrying the id of the server a request came from.
func WithServerID(ctx context.Context, serverID int64) context.Context {
	return context.WithValue(ctx, serverIDKey{}, serverID)
}

// ServerIDFrom returns the server id stored by WithServerID.
func ServerIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(serverIDKey{}).(int64)
	return id, ok
}
