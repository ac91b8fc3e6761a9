package ports

import "github.com/fredcamaral/overlaysync/internal/domain/entities"

// SnapshotRecord is one validated record read from the snapshot channel
type SnapshotRecord struct {
	SchemaVersion uint32
	UpdatedAtMs   int64
	Payload       []byte
}

// SnapshotWriter publishes the latest snapshot with overwrite semantics
type SnapshotWriter interface {
	// Ensure creates or opens the backing region. Returns false on OS failure;
	// callers retry on their own cadence.
	Ensure() bool

	// Write replaces the current record. Payloads that do not fit are rejected.
	Write(payload []byte, schemaVersion uint32, updatedAtMs int64) error
}

// SnapshotReader consumes the latest snapshot record
type SnapshotReader interface {
	Ensure() bool

	// Read returns the current record, or false when no valid record is visible
	Read() (SnapshotRecord, bool)
}

// DrainResult is the outcome of draining the event ring
type DrainResult struct {
	Events []entities.Event
	// Dropped counts events evicted by the producer since the previous drain
	Dropped uint64
}

// RingStats is a non-consuming view of the event ring counters
type RingStats struct {
	SlotCount      uint32 `json:"slot_count"`
	SlotPayloadCap uint32 `json:"slot_payload_cap"`
	WriteIndex     uint64 `json:"write_index"`
	ReadIndex      uint64 `json:"read_index"`
	DroppedCount   uint64 `json:"dropped_count"`
	Pending        uint64 `json:"pending"`
}

// EventSink is the producer side of the event ring (the renderer)
type EventSink interface {
	Ensure() bool
	Publish(event entities.Event) bool
}

// EventSource is the consumer side of the event ring (the helper)
type EventSource interface {
	Ensure() bool
	PollOnce() (entities.Event, bool)
	Drain() DrainResult
	Stats() (RingStats, bool)
}
