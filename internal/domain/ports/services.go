package ports

import (
	"context"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// Update is a partial snapshot contributed by one producer
type Update struct {
	Producer entities.ProducerTag
	Snapshot entities.Snapshot
}

// StateReconciler merges producer contributions into the canonical snapshot
type StateReconciler interface {
	// Ingest merges an update under field authority and publishes the result
	Ingest(ctx context.Context, update Update) (entities.Snapshot, error)

	// IngestJSON decodes a serialized partial snapshot and ingests it
	IngestJSON(ctx context.Context, producer entities.ProducerTag, payload []byte) (entities.Snapshot, error)

	// Latest returns a copy of the current canonical snapshot
	Latest() (entities.Snapshot, bool)

	// UpdateControls applies a renderer-owned controls change
	UpdateControls(ctx context.Context, mutate func(c *entities.OverlayControls)) (entities.Snapshot, error)

	// FollowMode reports whether the overlay follows the player
	FollowMode() bool
}

// EventHistory serves catch-up reads of drained events
type EventHistory interface {
	// Since returns records with id > since and the cursor to pass next time
	Since(since uint64) ([]entities.EventRecord, uint64)

	// Dropped returns the total number of events lost to ring overflow
	Dropped() uint64
}
