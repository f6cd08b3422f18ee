package chatbridge

import (
	"slices"
	"time"

	"github.com/CrashVibe/FGateNexus/internal/model"
)

// Message is one inbound chat message observed by a bot.
type Message struct {
	AdapterID int64
	Platform  model.AdapterType
	// ChannelID is the group the message arrived in. For direct messages it
	// is the sender's id, so replies addressed to (ChannelID, Kind) reach them.
	ChannelID string
	Kind      model.TargetType
	UserID    string
	Nickname  string
	// Roles are the sender's roles in the group; empty for direct messages.
	Roles     []string
	Text      string
	Timestamp time.Time
}

// Leave reports that a member left or was removed from a group.
type Leave struct {
	AdapterID int64
	Platform  model.AdapterType
	// ChannelID is the group the member left. On networks where membership
	// spans several channels it names the membership scope, such as a
	// Discord guild, and Channels lists the channels inside it.
	ChannelID string
	Channels  []string
	UserID    string
	Timestamp time.Time
}

// Destinations returns every destination id the departed member was
// reachable through: ChannelID followed by Channels, without duplicates.
func (l Leave) Destinations() []string {
	out := make([]string, 0, 1+len(l.Channels))
	if l.ChannelID != "" {
		out = append(out, l.ChannelID)
	}
	for _, id := range l.Channels {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Sink receives inbound events from running adapters.
type Sink interface {
	HandleMessage(msg Message)
	HandleLeave(ev Leave)
}
