// Package router relays chat between game servers and chat platforms and
// turns privileged chat messages into remote game commands.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/fanout"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/observability"
	"github.com/CrashVibe/FGateNexus/internal/policy"
)

const (
	directionGameToPlatform = "game_to_platform"
	directionPlatformToGame = "platform_to_game"
	directionCommand        = "command"
	directionNotice         = "notice"

	timestampLayout = "2006-01-02 15:04:05"
	unknownDeath    = "未知原因"
)

// ChatMessage is a chat line spoken inside a game server.
type ChatMessage struct {
	PlayerName string `json:"playerName"`
	PlayerUUID string `json:"playerUUID"`
	Message    string `json:"message"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NoticeKind names a player lifecycle notice.
type NoticeKind string

const (
	NoticeJoin  NoticeKind = "join"
	NoticeLeave NoticeKind = "leave"
	NoticeDeath NoticeKind = "death"
)

// Notice is a player lifecycle event reported by a game server.
type Notice struct {
	Kind         NoticeKind
	PlayerName   string
	DeathMessage string
}

// ServerStore reads servers with their targets.
type ServerStore interface {
	Get(ctx context.Context, id int64) (model.Server, error)
	ListByAdapter(ctx context.Context, adapterID int64) ([]model.Server, error)
}

// ChatBridge delivers text to chat destinations.
type ChatBridge interface {
	Connection(id int64) (*chatbridge.Connection, error)
	IsOnline(id int64) bool
	SendToDestination(ctx context.Context, conn *chatbridge.Connection, destinationID string, kind model.TargetType, text string)
}

// GameBridge reaches live game servers.
type GameBridge interface {
	ExecuteCommand(ctx context.Context, serverID int64, command string) (model.RemoteResult, error)
	Broadcast(ctx context.Context, serverID int64, message string) error
}

// Router relays messages in both directions.
type Router struct {
	servers  ServerStore
	chat     ChatBridge
	game     GameBridge
	filter   *policy.Filter
	location *time.Location
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// New creates a Router. Timestamps are rendered in loc.
//
// Precondition: every argument except metrics must be non-nil.
func New(servers ServerStore, chat ChatBridge, game GameBridge, filter *policy.Filter, loc *time.Location, logger *zap.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		servers:  servers,
		chat:     chat,
		game:     game,
		filter:   filter,
		location: loc,
		logger:   logger,
		metrics:  metrics,
	}
}

func (r *Router) formatTime(ms int64) string {
	return time.UnixMilli(ms).In(r.location).Format(timestampLayout)
}

// HandleGameEvent forwards a game chat line to every chat-sync destination of
// serverID. Messages that the server's policy does not forward are dropped.
func (r *Router) HandleGameEvent(ctx context.Context, serverID int64, msg ChatMessage) {
	srv, err := r.servers.Get(ctx, serverID)
	if err != nil {
		r.logger.Warn("loading server for chat relay", zap.Int64("server_id", serverID), zap.Error(err))
		return
	}
	if srv.AdapterID == nil {
		r.metrics.ObserveRouted(directionGameToPlatform, "no_adapter")
		return
	}
	cfg := srv.ChatSync
	if !cfg.Enabled || !cfg.MCToPlatformEnabled || len(srv.Targets) == 0 {
		r.metrics.ObserveRouted(directionGameToPlatform, "disabled")
		return
	}
	if !r.filter.ShouldForward(msg.Message, cfg.Filters) {
		r.metrics.ObserveRouted(directionGameToPlatform, "filtered")
		return
	}

	adapterID := *srv.AdapterID
	conn, err := r.chat.Connection(adapterID)
	if err != nil || !r.chat.IsOnline(adapterID) {
		r.metrics.ObserveRouted(directionGameToPlatform, "offline")
		r.logger.Warn("bot offline, chat not relayed", zap.Int64("server_id", serverID), zap.Int64("adapter_id", adapterID))
		return
	}

	text := policy.Render(cfg.MCToPlatformTemplate, map[string]string{
		"serverName": srv.Name,
		"playerName": msg.PlayerName,
		"playerUUID": msg.PlayerUUID,
		"message":    msg.Message,
		"timestamp":  r.formatTime(msg.Timestamp),
	})

	var tasks []fanout.Task
	for _, t := range srv.Targets {
		if !t.Enabled || !t.Config.ChatSync.Enabled {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			r.chat.SendToDestination(ctx, conn, t.TargetID, t.Type, text)
			return nil
		})
	}
	fanout.Settle(ctx, 0, tasks...)
	r.metrics.ObserveRouted(directionGameToPlatform, "sent")
	r.logger.Info("game chat relayed",
		zap.Int64("server_id", serverID),
		zap.String("player", msg.PlayerName),
		zap.Int("targets", len(tasks)),
	)
}

// HandlePlatformEvent routes a chat message received by conn. For each server
// on the adapter a command match takes precedence; the first command match
// ends the scan, other servers get the message relayed when chat sync allows.
// Every collected branch runs to completion.
func (r *Router) HandlePlatformEvent(ctx context.Context, conn *chatbridge.Connection, msg chatbridge.Message) {
	if msg.Text == "" {
		return
	}
	servers, err := r.servers.ListByAdapter(ctx, conn.ID)
	if err != nil {
		r.logger.Warn("listing servers for platform message", zap.Int64("adapter_id", conn.ID), zap.Error(err))
		return
	}

	var tasks []fanout.Task
scan:
	for _, srv := range servers {
		for _, t := range srv.Targets {
			if !t.Enabled || !t.Matches(msg.ChannelID, msg.UserID) {
				continue
			}
			command, ok := t.Config.Command.CommandFor(msg.Text, msg.Roles)
			if !ok {
				continue
			}
			tasks = append(tasks, func(ctx context.Context) error {
				return r.runCommand(ctx, conn, srv.ID, t, msg.UserID, command)
			})
			break scan
		}

		if task, ok := r.relayTask(srv, msg); ok {
			tasks = append(tasks, task)
		}
	}
	if len(tasks) == 0 {
		return
	}

	errs := fanout.Settle(ctx, 0, tasks...)
	if n := fanout.Failed(errs); n > 0 {
		r.logger.Warn("platform message partially routed",
			zap.Int64("adapter_id", conn.ID),
			zap.Int("failed", n),
			zap.Error(fanout.Join(errs)),
		)
	}
}

func (r *Router) runCommand(ctx context.Context, conn *chatbridge.Connection, serverID int64, t model.Target, userID, command string) error {
	res, err := r.game.ExecuteCommand(ctx, serverID, command)
	if err != nil {
		r.metrics.ObserveRouted(directionCommand, "error")
		return fmt.Errorf("server %d command: %w", serverID, err)
	}

	r.logger.Info("remote command executed",
		zap.Int64("server_id", serverID),
		zap.String("user_id", userID),
		zap.String("command", command),
		zap.Bool("success", res.Success),
	)
	reply := "指令执行成功: " + res.Message
	if !res.Success {
		reply = "指令执行失败：" + res.Message
		r.metrics.ObserveRouted(directionCommand, "rejected")
	} else {
		r.metrics.ObserveRouted(directionCommand, "ok")
	}
	r.chat.SendToDestination(ctx, conn, t.TargetID, t.Type, reply)
	return nil
}

func (r *Router) relayTask(srv model.Server, msg chatbridge.Message) (fanout.Task, bool) {
	cfg := srv.ChatSync
	if !cfg.Enabled || !cfg.PlatformToMCEnabled {
		return nil, false
	}
	if !isChatSyncDestination(srv.Targets, msg.ChannelID) {
		return nil, false
	}
	if msg.UserID == "" {
		r.logger.Warn("platform message without sender", zap.Int64("server_id", srv.ID))
		return nil, false
	}
	if !r.filter.ShouldForward(msg.Text, cfg.Filters) {
		r.metrics.ObserveRouted(directionPlatformToGame, "filtered")
		return nil, false
	}

	text := policy.Render(cfg.PlatformToMCTemplate, map[string]string{
		"platform":  string(msg.Platform),
		"nickname":  msg.Nickname,
		"userId":    msg.UserID,
		"message":   msg.Text,
		"timestamp": r.formatTime(msg.Timestamp.UnixMilli()),
	})
	return func(ctx context.Context) error {
		if err := r.game.Broadcast(ctx, srv.ID, text); err != nil {
			r.metrics.ObserveRouted(directionPlatformToGame, "error")
			return fmt.Errorf("server %d broadcast: %w", srv.ID, err)
		}
		r.metrics.ObserveRouted(directionPlatformToGame, "sent")
		r.logger.Debug("platform chat relayed", zap.Int64("server_id", srv.ID))
		return nil
	}, true
}

func isChatSyncDestination(targets []model.Target, channelID string) bool {
	for _, t := range targets {
		if t.Enabled && t.Config.ChatSync.Enabled && t.TargetID == channelID {
			return true
		}
	}
	return false
}

// ErrUnknownNotice is returned for notice kinds the router does not render.
var ErrUnknownNotice = errors.New("unknown notice kind")

// HandleGameNotice sends a player notice to every notify destination of
// serverID when the server's notify policy enables that kind.
func (r *Router) HandleGameNotice(ctx context.Context, serverID int64, n Notice) error {
	srv, err := r.servers.Get(ctx, serverID)
	if err != nil {
		return fmt.Errorf("loading server %d: %w", serverID, err)
	}

	cfg := srv.Notify
	var (
		enabled bool
		text    string
	)
	switch n.Kind {
	case NoticeJoin:
		enabled = cfg.PlayerNotify
		text = policy.Render(cfg.JoinNotifyMessage, map[string]string{"playerName": n.PlayerName})
	case NoticeLeave:
		enabled = cfg.PlayerNotify
		text = policy.Render(cfg.LeaveNotifyMessage, map[string]string{"playerName": n.PlayerName})
	case NoticeDeath:
		enabled = cfg.PlayerDisappointNotify
		cause := n.DeathMessage
		if cause == "" {
			cause = unknownDeath
		}
		text = policy.Render(cfg.DeathNotifyMessage, map[string]string{"playerName": n.PlayerName, "deathMessage": cause})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownNotice, n.Kind)
	}
	if !enabled || srv.AdapterID == nil {
		return nil
	}
	conn, err := r.chat.Connection(*srv.AdapterID)
	if err != nil {
		r.metrics.ObserveRouted(directionNotice, "offline")
		return nil
	}

	var tasks []fanout.Task
	for _, t := range srv.Targets {
		if !t.Enabled || !t.Config.Notify.Enabled {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			r.chat.SendToDestination(ctx, conn, t.TargetID, t.Type, text)
			return nil
		})
	}
	fanout.Settle(ctx, 0, tasks...)
	r.metrics.ObserveRouted(directionNotice, string(n.Kind))
	return nil
}
