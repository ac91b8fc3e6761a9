package ports

import (
	"context"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// HTTPServer defines the interface for the control API server
type HTTPServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Broadcaster fans messages out to every live push client
type Broadcaster interface {
	// BroadcastState wraps a serialized snapshot as an overlay_state message
	BroadcastState(state []byte) error

	// BroadcastEvents sends one overlay_events batch
	BroadcastEvents(records []entities.EventRecord, dropped uint64, nextSince uint64) error

	// ConnectionCount returns the number of connections not yet known dead
	ConnectionCount() int
}

// StateSource supplies the latest serialized snapshot for late joiners
type StateSource interface {
	LatestPayload() ([]byte, bool)
}

// Envelope type constants for push messages
const (
	MessageTypeHello         = "hello"
	MessageTypeOverlayState  = "overlay_state"
	MessageTypeOverlayEvents = "overlay_events"
	MessageTypePing          = "ping"
)
