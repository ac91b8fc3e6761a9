package ports

import (
	"context"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// Bookmark is a user-requested marker on the current location
type Bookmark struct {
	System    string
	Body      string
	Note      string
	CreatedAt time.Time
}

// SessionTracker is the persistence collaborator for sessions and visits
type SessionTracker interface {
	// StartSession opens a session and returns its id. Starting while a session
	// is active returns the active id.
	StartSession(ctx context.Context, at time.Time, system string) (string, error)

	// StopSession closes the active session, if any
	StopSession(ctx context.Context, at time.Time) error

	// AddBookmark records a bookmark against the active session
	AddBookmark(ctx context.Context, bookmark Bookmark) error

	// ActiveSession returns the open session id, or "" when none
	ActiveSession(ctx context.Context) (string, error)
}

// SessionTrackerProvider returns the tracker handle, or nil when persistence
// is unavailable
type SessionTrackerProvider func() SessionTracker

// TailerCallbacks are the hooks handed to the log-tailer collaborator
type TailerCallbacks struct {
	// Publish submits a tailer-owned partial snapshot and its serialized size
	Publish func(snapshot entities.Snapshot, payloadSize int)

	// StatusChanged reports a tailer lifecycle transition
	StatusChanged func(status entities.ProducerStatus)

	// FollowMode tells the tailer whether the overlay follows the player
	FollowMode func() bool
}
