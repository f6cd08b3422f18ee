// Package model defines the entities the gateway reads from and writes to
// the data store.
package model

import (
	"encoding/json"
	"time"

	"github.com/CrashVibe/FGateNexus/internal/policy"
)

// AdapterType names a chat network family.
type AdapterType string

const (
	AdapterOneBot  AdapterType = "onebot"
	AdapterDiscord AdapterType = "discord"
)

// Supported reports whether t is a chat network the gateway can drive.
func (t AdapterType) Supported() bool {
	return t == AdapterOneBot || t == AdapterDiscord
}

// TargetType is the kind of a chat destination.
type TargetType string

const (
	// TargetGroup addresses a group channel.
	TargetGroup TargetType = "group"
	// TargetPrivate addresses a single recipient directly.
	TargetPrivate TargetType = "private"
)

// Valid reports whether t is a known destination kind.
func (t TargetType) Valid() bool {
	return t == TargetGroup || t == TargetPrivate
}

// Server is a registered game server and its policies.
type Server struct {
	ID                int64
	Name              string
	Token             string
	MinecraftVersion  *string
	MinecraftSoftware *string
	AdapterID         *int64
	Binding           policy.BindingConfig
	ChatSync          policy.ChatSyncConfig
	Command           policy.CommandConfig
	Notify            policy.NotifyConfig
	// Targets is populated only by queries that load destinations.
	Targets   []Target
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsesAdapter reports whether s is attached to adapterID.
func (s Server) UsesAdapter(adapterID int64) bool {
	return s.AdapterID != nil && *s.AdapterID == adapterID
}

// Target is one chat destination of a server.
type Target struct {
	ID        string
	ServerID  int64
	TargetID  string
	Type      TargetType
	Enabled   bool
	Config    policy.TargetConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matches reports whether an event from channelID by userID arrived at t.
// Group destinations compare the channel, private ones the sender.
func (t Target) Matches(channelID, userID string) bool {
	switch t.Type {
	case TargetGroup:
		return channelID != "" && t.TargetID == channelID
	case TargetPrivate:
		return userID != "" && t.TargetID == userID
	}
	return false
}

// Player is a game account seen by at least one server.
type Player struct {
	ID              int64
	UUID            string
	Name            string
	IP              *string
	SocialAccountID *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Bound reports whether p is linked to a chat identity.
func (p Player) Bound() bool {
	return p.SocialAccountID != nil
}

// SocialAccount is a chat identity on one network.
type SocialAccount struct {
	ID          int64
	UID         string
	AdapterType AdapterType
	Nickname    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Adapter is a configured bot connection to a chat network.
type Adapter struct {
	ID      int64
	Name    string
	Type    AdapterType
	Enabled bool
	// Config is the protocol-specific configuration, decoded by the chat bridge.
	Config    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemoteResult is a game server's answer to a kick or command request.
type RemoteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
