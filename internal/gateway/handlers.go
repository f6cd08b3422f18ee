package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/binding"
	"github.com/CrashVibe/FGateNexus/internal/dispatch"
	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/router"
)

const expiryLayout = "2006-01-02 15:04:05"

var errUnregistered = errors.New("request from an unregistered transport")

// Login actions answered to player.login.
const (
	ActionAllow = "allow"
	ActionKick  = "kick"
)

// LoginDecision is the answer to player.login.
type LoginDecision struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// PlayerStore records game accounts seen at login.
type PlayerStore interface {
	Upsert(ctx context.Context, playerUUID, name string, ip *string) (model.Player, error)
	AddServer(ctx context.Context, playerID, serverID int64) error
}

// ServerStore reads a server's policies.
type ServerStore interface {
	Get(ctx context.Context, id int64) (model.Server, error)
}

// Challenger issues binding challenges.
type Challenger interface {
	AddPendingBinding(ctx context.Context, serverID int64, playerUUID, playerName string) (binding.Challenge, bool, error)
}

// Relay forwards game events to chat.
type Relay interface {
	HandleGameEvent(ctx context.Context, serverID int64, msg router.ChatMessage)
	HandleGameNotice(ctx context.Context, serverID int64, n router.Notice) error
}

// Handlers serves the methods game servers call.
type Handlers struct {
	players    PlayerStore
	servers    ServerStore
	challenger Challenger
	relay      Relay
	location   *time.Location
	logger     *zap.Logger
}

// NewHandlers creates Handlers. Challenge expiry times are shown in loc.
func NewHandlers(players PlayerStore, servers ServerStore, challenger Challenger, relay Relay, loc *time.Location, logger *zap.Logger) *Handlers {
	return &Handlers{
		players:    players,
		servers:    servers,
		challenger: challenger,
		relay:      relay,
		location:   loc,
		logger:     logger,
	}
}

// Routes returns the method table.
func (h *Handlers) Routes() []dispatch.Route {
	return []dispatch.Route{
		{Method: MethodPlayerLogin, Handler: h.playerLogin},
		{Method: MethodChatMessage, Handler: h.chatMessage},
		{Method: MethodPlayerJoin, Handler: h.notice(router.NoticeJoin)},
		{Method: MethodPlayerLeave, Handler: h.notice(router.NoticeLeave)},
		{Method: MethodPlayerDeath, Handler: h.notice(router.NoticeDeath)},
	}
}

type loginParams struct {
	Player *string `json:"player"`
	UUID   *string `json:"uuid"`
	IP     *string `json:"ip"`
}

var errInvalidLogin = &jsonrpc.Error{
	Code:    jsonrpc.CodeInvalidRequest,
	Message: "Invalid params: player, uuid and ip are required",
}

// decodeLogin requires player and uuid as strings and ip as a string or null.
func decodeLogin(raw json.RawMessage) (name, uuid string, ip *string, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", "", nil, errInvalidLogin
	}
	if _, ok := fields["ip"]; !ok {
		return "", "", nil, errInvalidLogin
	}
	var p loginParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Player == nil || p.UUID == nil {
		return "", "", nil, errInvalidLogin
	}
	return *p.Player, *p.UUID, p.IP, nil
}

func (h *Handlers) playerLogin(ctx context.Context, _ jsonrpc.Peer, params json.RawMessage) (any, error) {
	serverID, ok := ServerIDFrom(ctx)
	if !ok {
		return nil, errUnregistered
	}
	name, uuid, ip, err := decodeLogin(params)
	if err != nil {
		return nil, err
	}

	player, err := h.players.Upsert(ctx, uuid, name, ip)
	if err != nil {
		return nil, fmt.Errorf("recording player %s: %w", uuid, err)
	}
	if err := h.players.AddServer(ctx, player.ID, serverID); err != nil {
		return nil, fmt.Errorf("recording membership of player %s: %w", uuid, err)
	}
	srv, err := h.servers.Get(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("loading server %d: %w", serverID, err)
	}

	if !srv.Binding.ForceBind || player.Bound() {
		return LoginDecision{Action: ActionAllow}, nil
	}

	ch, _, err := h.challenger.AddPendingBinding(ctx, serverID, player.UUID, player.Name)
	if err != nil {
		h.logger.Error("issuing binding challenge",
			zap.Int64("server_id", serverID),
			zap.String("player_uuid", player.UUID),
			zap.Error(err),
		)
		return LoginDecision{Action: ActionKick, Reason: err.Error()}, nil
	}

	expires := ch.ExpiresAt.In(h.location).Format(expiryLayout)
	reason := policy.RenderGame(srv.Binding.NoBindKickMsg, map[string]string{
		"name":    player.Name,
		"message": ch.Code,
		"time":    expires,
	})
	h.logger.Info("unbound player sent a binding code",
		zap.Int64("server_id", serverID),
		zap.String("player", player.Name),
		zap.String("expires", expires),
	)
	return LoginDecision{Action: ActionKick, Reason: reason}, nil
}

type chatParams struct {
	PlayerName *string  `json:"playerName"`
	PlayerUUID *string  `json:"playerUUID"`
	Message    *string  `json:"message"`
	Timestamp  *float64 `json:"timestamp"`
}

func (h *Handlers) chatMessage(ctx context.Context, _ jsonrpc.Peer, params json.RawMessage) (any, error) {
	serverID, ok := ServerIDFrom(ctx)
	if !ok {
		return nil, errUnregistered
	}
	var p chatParams
	if err := json.Unmarshal(params, &p); err != nil || p.PlayerName == nil || p.PlayerUUID == nil || p.Message == nil || p.Timestamp == nil {
		h.logger.Warn("invalid chat message params", zap.Int64("server_id", serverID), zap.ByteString("params", params))
		return nil, nil
	}

	h.relay.HandleGameEvent(ctx, serverID, router.ChatMessage{
		PlayerName: *p.PlayerName,
		PlayerUUID: *p.PlayerUUID,
		Message:    *p.Message,
		Timestamp:  int64(*p.Timestamp),
	})
	return nil, nil
}

type noticeParams struct {
	PlayerName   *string `json:"playerName"`
	DeathMessage *string `json:"deathMessage"`
}

func (h *Handlers) notice(kind router.NoticeKind) dispatch.Handler {
	return func(ctx context.Context, _ jsonrpc.Peer, params json.RawMessage) (any, error) {
		serverID, ok := ServerIDFrom(ctx)
		if !ok {
			return nil, errUnregistered
		}
		var p noticeParams
		if err := json.Unmarshal(params, &p); err != nil || p.PlayerName == nil {
			h.logger.Warn("invalid player notice params",
				zap.Int64("server_id", serverID),
				zap.String("kind", string(kind)),
				zap.ByteString("params", params),
			)
			return nil, nil
		}

		n := router.Notice{Kind: kind, PlayerName: *p.PlayerName}
		if p.DeathMessage != nil {
			n.DeathMessage = *p.DeathMessage
		}
		if err := h.relay.HandleGameNotice(ctx, serverID, n); err != nil {
			h.logger.Warn("player notice not delivered",
				zap.Int64("server_id", serverID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
		return nil, nil
	}
}
