// Package discord drives a Discord bot through discordgo.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/model"
)

// ErrOffline is returned by Send before the gateway session is ready.
var ErrOffline = errors.New("discord: not connected")

// Config is the stored configuration of one Discord bot.
type Config struct {
	Token string `json:"token"`
}

// ParseConfig decodes and validates raw.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding discord config: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return Config{}, errors.New("discord config: token must not be empty")
	}
	return cfg, nil
}

// Bot is one Discord bot account.
type Bot struct {
	id     int64
	sink   chatbridge.Sink
	logger *zap.Logger

	online atomic.Bool

	mu      sync.Mutex
	cfg     Config
	session *discordgo.Session
	opening sync.WaitGroup
}

// NewFactory returns a chatbridge.Factory for Discord bots.
func NewFactory() chatbridge.Factory {
	return func(id int64, raw json.RawMessage, sink chatbridge.Sink, logger *zap.Logger) (chatbridge.Adapter, error) {
		cfg, err := ParseConfig(raw)
		if err != nil {
			return nil, err
		}
		return &Bot{id: id, sink: sink, logger: logger, cfg: cfg}, nil
	}
}

// Start implements chatbridge.Adapter. The gateway session opens in the
// background.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *Bot) startLocked() error {
	s, err := discordgo.New(normalizeBotToken(b.cfg.Token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers
	s.AddHandler(b.onReady)
	s.AddHandler(b.onDisconnect)
	s.AddHandler(b.onMessageCreate)
	s.AddHandler(b.onMemberRemove)
	b.session = s

	b.opening.Add(1)
	go func() {
		defer b.opening.Done()
		if err := s.Open(); err != nil {
			b.logger.Error("open discord session", zap.Error(err))
		}
	}()
	return nil
}

func (b *Bot) stopLocked() error {
	b.opening.Wait()
	s := b.session
	b.session = nil
	b.online.Store(false)
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// UpdateConfig implements chatbridge.Adapter. A changed token reopens the
// gateway session.
func (b *Bot) UpdateConfig(ctx context.Context, raw json.RawMessage) error {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg == b.cfg {
		return nil
	}
	if err := b.stopLocked(); err != nil {
		b.logger.Warn("closing previous discord session", zap.Error(err))
	}
	b.cfg = cfg
	return b.startLocked()
}

// Online implements chatbridge.Adapter.
func (b *Bot) Online() bool {
	return b.online.Load()
}

// Dispose implements chatbridge.Adapter.
func (b *Bot) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked()
}

// Send implements chatbridge.Adapter. Group destinations are channel ids,
// direct ones user ids.
func (b *Bot) Send(ctx context.Context, destinationID string, kind model.TargetType, text string) error {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil || !b.online.Load() {
		return ErrOffline
	}

	channelID := destinationID
	switch kind {
	case model.TargetGroup:
	case model.TargetPrivate:
		ch, err := s.UserChannelCreate(destinationID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: open direct channel: %w", err)
		}
		channelID = ch.ID
	default:
		return fmt.Errorf("discord: unknown destination kind %q", kind)
	}

	if _, err := s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.online.Store(true)
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	b.logger.Info("discord session ready", zap.String("user", name))
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.online.Store(false)
	b.logger.Warn("discord session disconnected")
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if msg, ok := toMessage(b.id, m); ok {
		b.sink.HandleMessage(msg)
	}
}

func (b *Bot) onMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m == nil || m.Member == nil {
		return
	}
	if ev, ok := toLeave(b.id, m, guildChannels(s, m.GuildID)); ok {
		b.sink.HandleLeave(ev)
	}
}

func toMessage(adapterID int64, m *discordgo.MessageCreate) (chatbridge.Message, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return chatbridge.Message{}, false
	}

	msg := chatbridge.Message{
		AdapterID: adapterID,
		Platform:  model.AdapterDiscord,
		UserID:    m.Author.ID,
		Nickname:  displayName(m),
		Text:      m.Content,
		Timestamp: m.Timestamp,
	}
	if m.GuildID == "" {
		msg.Kind = model.TargetPrivate
		msg.ChannelID = m.Author.ID
	} else {
		msg.Kind = model.TargetGroup
		msg.ChannelID = m.ChannelID
		if m.Member != nil {
			msg.Roles = append([]string(nil), m.Member.Roles...)
		}
	}
	return msg, true
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// toLeave reports a member removal against the guild id, since Discord does
// not scope membership to a channel.
// toLeave scopes a member removal to the guild. Bound targets are channel
// ids, so the guild's channels travel with the event.
func toLeave(adapterID int64, m *discordgo.GuildMemberRemove, channels []string) (chatbridge.Leave, bool) {
	if m == nil || m.Member == nil || m.Member.User == nil || m.GuildID == "" {
		return chatbridge.Leave{}, false
	}
	return chatbridge.Leave{
		AdapterID: adapterID,
		Platform:  model.AdapterDiscord,
		ChannelID: m.GuildID,
		Channels:  channels,
		UserID:    m.Member.User.ID,
	}, true
}

// guildChannels lists the cached channel ids of a guild. The state cache is
// filled from GUILD_CREATE, which needs the guilds intent.
func guildChannels(s *discordgo.Session, guildID string) []string {
	if s == nil || s.State == nil {
		return nil
	}
	g, err := s.State.Guild(guildID)
	if err != nil {
		return nil
	}
	s.State.RLock()
	defer s.State.RUnlock()
	ids := make([]string, 0, len(g.Channels))
	for _, c := range g.Channels {
		if c != nil {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
