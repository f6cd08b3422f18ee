package chatbridge

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/model"
)

// Adapter is a running bot connection to one chat network.
type Adapter interface {
	// Start begins connecting in the background and returns once the adapter
	// is set up. Connectivity is reported by Online.
	Start(ctx context.Context) error
	// UpdateConfig replaces the protocol configuration in place.
	UpdateConfig(ctx context.Context, cfg json.RawMessage) error
	// Online reports live connectivity, not mere registration.
	Online() bool
	// Send delivers text to a group or direct recipient.
	Send(ctx context.Context, destinationID string, kind model.TargetType, text string) error
	// Dispose stops the adapter and releases its resources.
	Dispose() error
}

// Factory builds an adapter for one adapter id. Inbound events must be
// reported to sink with AdapterID set to id.
type Factory func(id int64, cfg json.RawMessage, sink Sink, logger *zap.Logger) (Adapter, error)
