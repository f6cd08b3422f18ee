package policy

import (
	"encoding/json"
	"fmt"
)

// NotifyConfig controls the player notices a server emits to chat.
type NotifyConfig struct {
	PlayerNotify           bool   `json:"player_notify" yaml:"player_notify"`
	JoinNotifyMessage      string `json:"join_notify_message" yaml:"join_notify_message"`
	LeaveNotifyMessage     string `json:"leave_notify_message" yaml:"leave_notify_message"`
	PlayerDisappointNotify bool   `json:"player_disappoint_notify" yaml:"player_disappoint_notify"`
	DeathNotifyMessage     string `json:"death_notify_message" yaml:"death_notify_message"`
}

// DefaultNotifyConfig returns the notice policy applied to new servers.
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		PlayerNotify:           false,
		JoinNotifyMessage:      "[系统通知] {playerName} 加入了游戏",
		LeaveNotifyMessage:     "[系统通知] {playerName} 离开了游戏",
		PlayerDisappointNotify: false,
		DeathNotifyMessage:     "[死亡] {playerName} 因 {deathMessage} 死亡了",
	}
}

// ParseNotifyConfig decodes raw over the defaults. Empty input yields the defaults.
func ParseNotifyConfig(raw []byte) (NotifyConfig, error) {
	cfg := DefaultNotifyConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return NotifyConfig{}, fmt.Errorf("decoding notify config: %w", err)
	}
	return cfg, nil
}

// CommandConfig is the server-wide command policy. It carries no fields
// yet; command eligibility lives on each target.
type CommandConfig struct{}
