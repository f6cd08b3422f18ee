// Package binding links game accounts to chat identities through
// short-lived challenge codes, and unlinks them on request.
package binding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/fanout"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/observability"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/session"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

var (
	// ErrNoAdapter is returned when a server has no chat adapter assigned.
	ErrNoAdapter = errors.New("server has no chat adapter")
	// ErrBindLimit is returned when a chat identity already holds the maximum
	// number of game accounts.
	ErrBindLimit = errors.New("bind limit reached")
	// ErrPlayerNotLinked is returned when the named account is not linked to
	// the sender.
	ErrPlayerNotLinked = errors.New("no matching linked player")
	// ErrKickRejected is returned when a game server refuses to kick a player.
	ErrKickRejected = errors.New("kick rejected")
)

// codeAttempts bounds regeneration when a fresh code collides with a live one.
const codeAttempts = 5

// Challenge is a pending binding.
type Challenge struct {
	ServerID   int64     `json:"serverId"`
	PlayerUUID string    `json:"playerUuid"`
	PlayerName string    `json:"playerName"`
	AdapterID  int64     `json:"adapterId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ServerStore reads servers with their targets.
type ServerStore interface {
	Get(ctx context.Context, id int64) (model.Server, error)
	ListByAdapter(ctx context.Context, adapterID int64) ([]model.Server, error)
}

// PlayerStore mutates the social link of game accounts.
type PlayerStore interface {
	Link(ctx context.Context, playerUUID string, socialAccountID int64) error
	Unlink(ctx context.Context, playerID int64) error
	ListBySocialAccount(ctx context.Context, socialAccountID int64) ([]model.Player, error)
}

// SocialStore resolves chat identities.
type SocialStore interface {
	Resolve(ctx context.Context, adapterType model.AdapterType, uid, nickname string) (model.SocialAccount, error)
	Find(ctx context.Context, adapterType model.AdapterType, uid string) (model.SocialAccount, error)
}

// Messenger delivers replies to chat destinations.
type Messenger interface {
	SendToDestination(ctx context.Context, conn *chatbridge.Connection, destinationID string, kind model.TargetType, text string)
}

// Kicker disconnects a player from a live game server.
type Kicker interface {
	KickPlayer(ctx context.Context, serverID int64, playerUUID, reason string) (model.RemoteResult, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service issues and consumes binding challenges. Expired challenges are
// swept lazily on every access. It is safe for concurrent use.
type Service struct {
	servers   ServerStore
	players   PlayerStore
	social    SocialStore
	messenger Messenger
	kicker    Kicker
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu sync.Mutex
	// pending holds live challenges keyed by adapter id.
	pending map[int64][]*Challenge
}

// NewService creates a Service.
//
// Precondition: every dependency except metrics must be non-nil.
func NewService(servers ServerStore, players PlayerStore, social SocialStore, messenger Messenger, kicker Kicker, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) *Service {
	s := &Service{
		servers:   servers,
		players:   players,
		social:    social,
		messenger: messenger,
		kicker:    kicker,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		pending:   make(map[int64][]*Challenge),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPendingBinding returns the live challenge for (serverID, playerUUID),
// issuing a new one when none exists. reused reports whether an existing
// challenge was returned.
func (s *Service) AddPendingBinding(ctx context.Context, serverID int64, playerUUID, playerName string) (ch Challenge, reused bool, err error) {
	srv, err := s.servers.Get(ctx, serverID)
	if err != nil {
		return Challenge{}, false, fmt.Errorf("loading server %d: %w", serverID, err)
	}
	if srv.AdapterID == nil {
		return Challenge{}, false, fmt.Errorf("server %d: %w", serverID, ErrNoAdapter)
	}
	adapterID := *srv.AdapterID
	cfg := srv.Binding

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	for _, c := range s.pending[adapterID] {
		if c.ServerID == serverID && c.PlayerUUID == playerUUID {
			s.metrics.ObserveBinding("reused")
			return *c, true, nil
		}
	}

	text, err := s.mintLocked(adapterID, cfg)
	if err != nil {
		return Challenge{}, false, err
	}
	c := &Challenge{
		ServerID:   serverID,
		PlayerUUID: playerUUID,
		PlayerName: playerName,
		AdapterID:  adapterID,
		Code:       text,
		ExpiresAt:  now.Add(time.Duration(cfg.CodeExpire) * time.Minute),
	}
	s.pending[adapterID] = append(s.pending[adapterID], c)
	s.metrics.ObserveBinding("issued")
	s.logger.Info("binding challenge issued",
		zap.Int64("server_id", serverID),
		zap.String("player_uuid", playerUUID),
		zap.Time("expires_at", c.ExpiresAt),
	)
	return *c, false, nil
}

func (s *Service) mintLocked(adapterID int64, cfg policy.BindingConfig) (string, error) {
	for range codeAttempts {
		code, err := policy.GenerateCode(cfg.CodeMode, cfg.CodeLength)
		if err != nil {
			return "", fmt.Errorf("generating binding code: %w", err)
		}
		text := cfg.Prefix + code
		taken := slices.ContainsFunc(s.pending[adapterID], func(c *Challenge) bool { return c.Code == text })
		if !taken {
			return text, nil
		}
	}
	return "", errors.New("could not generate a unique binding code")
}

func (s *Service) sweepLocked(now time.Time) {
	for adapterID, list := range s.pending {
		live := list[:0]
		for _, c := range list {
			if c.ExpiresAt.After(now) {
				live = append(live, c)
			} else {
				s.metrics.ObserveBinding("expired")
			}
		}
		if len(live) == 0 {
			delete(s.pending, adapterID)
			continue
		}
		s.pending[adapterID] = live
	}
}

// Pending returns the live challenges ordered by expiry.
func (s *Service) Pending() []Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	var out []Challenge
	for _, list := range s.pending {
		for _, c := range list {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Challenge) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return out
}

// candidates returns the live challenges of adapterID whose code equals text.
func (s *Service) candidates(adapterID int64, text string) []*Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())

	var out []*Challenge
	for _, c := range s.pending[adapterID] {
		if c.Code == text {
			out = append(out, c)
		}
	}
	return out
}

// claim removes c from the pending set. It reports false when c was already
// consumed or expired.
func (s *Service) claim(c *Challenge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[c.AdapterID]
	i := slices.Index(list, c)
	if i < 0 || !c.ExpiresAt.After(s.now()) {
		return false
	}
	s.pending[c.AdapterID] = slices.Delete(list, i, i+1)
	if len(s.pending[c.AdapterID]) == 0 {
		delete(s.pending, c.AdapterID)
	}
	return true
}

// restore puts back a claimed challenge whose binding failed. Expired
// challenges are dropped, as are challenges superseded by one issued to the
// same player while the binding was in flight.
func (s *Service) restore(c *Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !c.ExpiresAt.After(now) || s.liveLocked(c.ServerID, c.PlayerUUID, now) {
		return
	}
	s.pending[c.AdapterID] = append(s.pending[c.AdapterID], c)
}

// liveLocked reports whether an unexpired challenge exists for
// (serverID, playerUUID) under any adapter.
func (s *Service) liveLocked(serverID int64, playerUUID string, now time.Time) bool {
	for _, list := range s.pending {
		for _, c := range list {
			if c.ServerID == serverID && c.PlayerUUID == playerUUID && c.ExpiresAt.After(now) {
				return true
			}
		}
	}
	return false
}

// ProcessMessage consumes challenges matched by msg and then handles unbind
// requests. It reports whether msg was consumed and must not be routed further.
func (s *Service) ProcessMessage(ctx context.Context, conn *chatbridge.Connection, msg chatbridge.Message) bool {
	hit := false
	for _, c := range s.candidates(conn.ID, msg.Text) {
		if !msg.Platform.Supported() || msg.UserID == "" || msg.ChannelID == "" {
			continue
		}
		srv, err := s.servers.Get(ctx, c.ServerID)
		if err != nil {
			s.logger.Warn("loading server for binding", zap.Int64("server_id", c.ServerID), zap.Error(err))
			continue
		}
		if !hasTarget(srv.Targets, msg.ChannelID, msg.UserID) {
			continue
		}
		if !s.claim(c) {
			continue
		}

		hit = true
		cfg := srv.Binding
		if err := s.bind(ctx, c, msg, cfg); err != nil {
			s.restore(c)
			s.metrics.ObserveBinding("bind_failed")
			s.logger.Warn("binding failed",
				zap.Int64("server_id", c.ServerID),
				zap.String("player_uuid", c.PlayerUUID),
				zap.String("user_id", msg.UserID),
				zap.Error(err),
			)
			s.reply(ctx, conn, msg.ChannelID, msg.Kind,
				policy.Render(cfg.BindFailMsg, map[string]string{"user": c.PlayerName, "why": reason(err)}))
			continue
		}

		s.metrics.ObserveBinding("bound")
		s.logger.Info("player bound",
			zap.Int64("server_id", c.ServerID),
			zap.String("player_uuid", c.PlayerUUID),
			zap.String("platform", string(msg.Platform)),
			zap.String("user_id", msg.UserID),
		)
		s.reply(ctx, conn, msg.ChannelID, msg.Kind,
			policy.Render(cfg.BindSuccessMsg, map[string]string{"user": c.PlayerName}))
	}

	if s.processUnbind(ctx, conn, msg) {
		return true
	}
	return hit
}

func (s *Service) bind(ctx context.Context, c *Challenge, msg chatbridge.Message, cfg policy.BindingConfig) error {
	account, err := s.social.Resolve(ctx, msg.Platform, msg.UserID, msg.Nickname)
	if err != nil {
		return fmt.Errorf("resolving chat identity: %w", err)
	}
	if cfg.MaxBindCount > 0 {
		linked, err := s.players.ListBySocialAccount(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("counting linked players: %w", err)
		}
		others := 0
		for _, p := range linked {
			if p.UUID != c.PlayerUUID {
				others++
			}
		}
		if others >= cfg.MaxBindCount {
			return fmt.Errorf("%w: %d", ErrBindLimit, cfg.MaxBindCount)
		}
	}
	if err := s.players.Link(ctx, c.PlayerUUID, account.ID); err != nil {
		return fmt.Errorf("linking player %s: %w", c.PlayerUUID, err)
	}
	return nil
}

// processUnbind handles unbind requests addressed to every server that owns
// a target at the message's destination. Servers are handled independently.
func (s *Service) processUnbind(ctx context.Context, conn *chatbridge.Connection, msg chatbridge.Message) bool {
	if !msg.Platform.Supported() || msg.UserID == "" || msg.ChannelID == "" {
		return false
	}
	servers, err := s.servers.ListByAdapter(ctx, conn.ID)
	if err != nil {
		s.logger.Warn("listing servers for unbind", zap.Int64("adapter_id", conn.ID), zap.Error(err))
		return false
	}

	var tasks []fanout.Task
	for _, srv := range servers {
		cfg := srv.Binding
		if !cfg.AllowUnbind || !strings.HasPrefix(msg.Text, cfg.UnbindPrefix) {
			continue
		}
		if !hasTarget(srv.Targets, msg.ChannelID, msg.UserID) {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			name := strings.TrimSpace(strings.TrimPrefix(msg.Text, cfg.UnbindPrefix))
			if name == "" {
				return nil
			}
			s.unbindAndKick(ctx, conn, srv, msg.Platform, msg.UserID, name, msg.ChannelID, msg.Kind)
			return nil
		})
	}
	if len(tasks) == 0 {
		return false
	}
	fanout.Settle(ctx, 0, tasks...)
	return true
}

// HandleGroupLeave unlinks the first game account of a member who left a
// destination, on every server of the adapter that allows it. Each server is
// answered at its own destination the member was reachable through.
func (s *Service) HandleGroupLeave(ctx context.Context, conn *chatbridge.Connection, ev chatbridge.Leave) bool {
	destinations := ev.Destinations()
	if !ev.Platform.Supported() || ev.UserID == "" || len(destinations) == 0 {
		return false
	}
	servers, err := s.servers.ListByAdapter(ctx, conn.ID)
	if err != nil {
		s.logger.Warn("listing servers for group leave", zap.Int64("adapter_id", conn.ID), zap.Error(err))
		return false
	}
	type departure struct {
		server  model.Server
		replyTo string
	}
	var matching []departure
	for _, srv := range servers {
		if !srv.Binding.AllowGroupUnbind {
			continue
		}
		if i := slices.IndexFunc(destinations, func(id string) bool { return hasTarget(srv.Targets, id, "") }); i >= 0 {
			matching = append(matching, departure{server: srv, replyTo: destinations[i]})
		}
	}
	if len(matching) == 0 {
		return false
	}

	account, err := s.social.Find(ctx, ev.Platform, ev.UserID)
	if err != nil {
		if !errors.Is(err, postgres.ErrSocialAccountNotFound) {
			s.logger.Warn("resolving departed member", zap.String("user_id", ev.UserID), zap.Error(err))
		}
		return false
	}
	linked, err := s.players.ListBySocialAccount(ctx, account.ID)
	if err != nil || len(linked) == 0 {
		return false
	}
	player := linked[0]

	tasks := make([]fanout.Task, 0, len(matching))
	for _, d := range matching {
		tasks = append(tasks, func(ctx context.Context) error {
			s.unbindAndKick(ctx, conn, d.server, ev.Platform, ev.UserID, player.Name, d.replyTo, model.TargetGroup)
			return nil
		})
	}
	fanout.Settle(ctx, 0, tasks...)
	return true
}

func (s *Service) unbindAndKick(ctx context.Context, conn *chatbridge.Connection, srv model.Server, platform model.AdapterType, userID, playerName, replyTo string, kind model.TargetType) {
	cfg := srv.Binding
	player, account, err := s.unbind(ctx, platform, userID, playerName)
	if err != nil {
		s.metrics.ObserveBinding("unbind_failed")
		s.logger.Warn("unbind failed",
			zap.Int64("server_id", srv.ID),
			zap.String("player", playerName),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		s.reply(ctx, conn, replyTo, kind,
			policy.Render(cfg.UnbindFailMsg, map[string]string{"user": playerName, "why": reason(err)}))
		return
	}

	s.metrics.ObserveBinding("unbound")
	s.logger.Info("player unbound",
		zap.Int64("server_id", srv.ID),
		zap.String("player_uuid", player.UUID),
		zap.String("social_uid", account.UID),
	)
	kickReason := policy.RenderGame(cfg.UnbindKickMsg, map[string]string{"social_account": account.UID})
	if err := s.kick(ctx, srv.ID, player.UUID, kickReason); err != nil {
		s.logger.Warn("kick after unbind failed",
			zap.Int64("server_id", srv.ID),
			zap.String("player_uuid", player.UUID),
			zap.Error(err),
		)
		s.reply(ctx, conn, replyTo, kind,
			policy.Render(cfg.UnbindFailMsg, map[string]string{"user": playerName, "why": reason(err)}))
		return
	}
	s.reply(ctx, conn, replyTo, kind,
		policy.Render(cfg.UnbindSuccessMsg, map[string]string{"user": playerName}))
}

func (s *Service) kick(ctx context.Context, serverID int64, playerUUID, kickReason string) error {
	res, err := s.kicker.KickPlayer(ctx, serverID, playerUUID, kickReason)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrKickRejected, res.Message)
	}
	return nil
}

func (s *Service) unbind(ctx context.Context, platform model.AdapterType, userID, playerName string) (model.Player, model.SocialAccount, error) {
	account, err := s.social.Find(ctx, platform, userID)
	if err != nil {
		return model.Player{}, model.SocialAccount{}, err
	}
	linked, err := s.players.ListBySocialAccount(ctx, account.ID)
	if err != nil {
		return model.Player{}, model.SocialAccount{}, err
	}
	i := slices.IndexFunc(linked, func(p model.Player) bool { return p.Name == playerName })
	if i < 0 {
		return model.Player{}, model.SocialAccount{}, ErrPlayerNotLinked
	}
	if err := s.players.Unlink(ctx, linked[i].ID); err != nil {
		return model.Player{}, model.SocialAccount{}, err
	}
	return linked[i], account, nil
}

func (s *Service) reply(ctx context.Context, conn *chatbridge.Connection, destinationID string, kind model.TargetType, text string) {
	s.messenger.SendToDestination(ctx, conn, destinationID, kind, text)
}

func hasTarget(targets []model.Target, channelID, userID string) bool {
	return slices.ContainsFunc(targets, func(t model.Target) bool { return t.Matches(channelID, userID) })
}

// reason renders err for the chat user.
func reason(err error) string {
	switch {
	case errors.Is(err, postgres.ErrSocialAccountNotFound):
		return "未找到关联的社交账号"
	case errors.Is(err, ErrPlayerNotLinked):
		return "未找到匹配的玩家"
	case errors.Is(err, postgres.ErrPlayerNotFound):
		return "玩家不存在"
	case errors.Is(err, ErrBindLimit):
		return "绑定数量已达上限"
	case errors.Is(err, session.ErrNotFound):
		return "服务器未连接"
	default:
		return err.Error()
	}
}
