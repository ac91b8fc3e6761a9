package ports

import (
	"context"
	"time"
)

// SnapshotWatcher polls the snapshot channel on the renderer side
type SnapshotWatcher interface {
	// Watch starts polling and emits visibility transitions
	Watch(ctx context.Context) (<-chan VisibilityChange, error)
	// Stop stops the watcher
	Stop() error
}

// HideReason explains why the overlay is auto-hidden
type HideReason int

const (
	// HideNone means the overlay is not auto-hidden
	HideNone HideReason = iota
	// HideParseFailure means the last record could not be parsed
	HideParseFailure
	// HideOffline means the helper announced it is offline
	HideOffline
	// HideStale means the heartbeat is older than the staleness threshold
	HideStale
)

// String returns the string representation of HideReason
func (r HideReason) String() string {
	switch r {
	case HideNone:
		return "none"
	case HideParseFailure:
		return "parse_failure"
	case HideOffline:
		return "offline"
	case HideStale:
		return "stale"
	default:
		return "unknown"
	}
}

// VisibilityChange is emitted when the effective overlay visibility changes
type VisibilityChange struct {
	Visible    bool
	AutoHidden bool
	Reason     HideReason
	Timestamp  time.Time
}
