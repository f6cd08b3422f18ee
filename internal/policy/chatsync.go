package policy

import (
	"encoding/json"
	"fmt"
)

// FilterMode selects how content filters are evaluated.
type FilterMode string

const (
	FilterBlacklist FilterMode = "blacklist"
	FilterWhitelist FilterMode = "whitelist"
)

// Filters is the content filter applied to forwarded chat.
type Filters struct {
	MinMessageLength  int        `json:"minMessageLength" yaml:"minMessageLength"`
	MaxMessageLength  int        `json:"maxMessageLength" yaml:"maxMessageLength"`
	FilterMode        FilterMode `json:"filterMode" yaml:"filterMode"`
	BlacklistKeywords []string   `json:"blacklistKeywords" yaml:"blacklistKeywords"`
	BlacklistRegex    []string   `json:"blacklistRegex" yaml:"blacklistRegex"`
	WhitelistPrefixes []string   `json:"whitelistPrefixes" yaml:"whitelistPrefixes"`
	WhitelistRegex    []string   `json:"whitelistRegex" yaml:"whitelistRegex"`
}

// ChatSyncConfig controls chat relay for one server.
type ChatSyncConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	MCToPlatformEnabled  bool    `json:"mcToPlatformEnabled" yaml:"mcToPlatformEnabled"`
	PlatformToMCEnabled  bool    `json:"platformToMcEnabled" yaml:"platformToMcEnabled"`
	MCToPlatformTemplate string  `json:"mcToPlatformTemplate" yaml:"mcToPlatformTemplate"`
	PlatformToMCTemplate string  `json:"platformToMcTemplate" yaml:"platformToMcTemplate"`
	Filters              Filters `json:"filters" yaml:"filters"`
}

// DefaultChatSyncConfig returns the relay policy applied to new servers.
func DefaultChatSyncConfig() ChatSyncConfig {
	return ChatSyncConfig{
		Enabled:              false,
		MCToPlatformEnabled:  true,
		PlatformToMCEnabled:  true,
		MCToPlatformTemplate: "[{serverName}] {playerName}: {message}",
		PlatformToMCTemplate: "[{platform}] {nickname}: {message}",
		Filters: Filters{
			MinMessageLength:  1,
			MaxMessageLength:  500,
			FilterMode:        FilterBlacklist,
			BlacklistKeywords: []string{},
			BlacklistRegex:    []string{},
			WhitelistPrefixes: []string{},
			WhitelistRegex:    []string{},
		},
	}
}

// ParseChatSyncConfig decodes raw over the defaults. Empty input yields the defaults.
func ParseChatSyncConfig(raw []byte) (ChatSyncConfig, error) {
	cfg := DefaultChatSyncConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ChatSyncConfig{}, fmt.Errorf("decoding chat sync config: %w", err)
	}
	return cfg, nil
}

// Validate checks the value ranges accepted by the admin surface.
func (c ChatSyncConfig) Validate() error {
	f := c.Filters
	if f.MinMessageLength < 0 {
		return fmt.Errorf("filters.minMessageLength must be >= 0, got %d", f.MinMessageLength)
	}
	if f.MaxMessageLength < 1 {
		return fmt.Errorf("filters.maxMessageLength must be >= 1, got %d", f.MaxMessageLength)
	}
	if f.MinMessageLength > f.MaxMessageLength {
		return fmt.Errorf("filters.minMessageLength %d exceeds maxMessageLength %d", f.MinMessageLength, f.MaxMessageLength)
	}
	return nil
}
