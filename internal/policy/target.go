package policy

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// TargetCommand is the remote-command policy of one destination.
type TargetCommand struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Permissions lists the platform roles allowed to run commands.
	Permissions []string `json:"permissions" yaml:"permissions"`
	Prefix      string   `json:"prefix" yaml:"prefix"`
}

// TargetToggle is a plain on/off switch.
type TargetToggle struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TargetConfig is the per-destination policy.
type TargetConfig struct {
	Command  TargetCommand `json:"CommandConfigSchema" yaml:"command"`
	ChatSync TargetToggle  `json:"chatSyncConfigSchema" yaml:"chatSync"`
	Notify   TargetToggle  `json:"NotifyConfigSchema" yaml:"notify"`
}

// DefaultTargetConfig returns the policy applied to new destinations.
func DefaultTargetConfig() TargetConfig {
	return TargetConfig{
		Command: TargetCommand{Enabled: false, Permissions: []string{}, Prefix: "/"},
	}
}

// ParseTargetConfig decodes raw over the defaults. Empty input yields the defaults.
func ParseTargetConfig(raw []byte) (TargetConfig, error) {
	cfg := DefaultTargetConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return TargetConfig{}, fmt.Errorf("decoding target config: %w", err)
	}
	return cfg, nil
}

// CommandFor reports whether text is a command under this policy for a sender
// holding roles, and returns the command with the prefix stripped.
func (c TargetCommand) CommandFor(text string, roles []string) (string, bool) {
	if !c.Enabled || !strings.HasPrefix(text, c.Prefix) {
		return "", false
	}
	if !slices.ContainsFunc(roles, func(r string) bool { return slices.Contains(c.Permissions, r) }) {
		return "", false
	}
	return strings.TrimPrefix(text, c.Prefix), true
}
