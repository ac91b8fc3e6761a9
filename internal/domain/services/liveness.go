package services

import (
	"sync"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// DefaultStaleAfter is the heartbeat age past which the helper is presumed dead
const DefaultStaleAfter = 5 * time.Second

// Observation is one poll of the snapshot channel from the renderer side
type Observation struct {
	// Present is false when no valid record could be read
	Present bool
	// Snapshot is the decoded record when Present and ParseErr is nil
	Snapshot entities.Snapshot
	// ParseErr is set when a record was read but could not be decoded
	ParseErr error
}

// ObservationFromRecord decodes a snapshot channel read into an Observation
func ObservationFromRecord(rec ports.SnapshotRecord, ok bool) Observation {
	if !ok {
		return Observation{}
	}
	snap, err := entities.ParseSnapshot(rec.Payload)
	if err != nil {
		return Observation{Present: true, ParseErr: err}
	}
	return Observation{Present: true, Snapshot: snap}
}

// AutoHide tracks helper liveness for a renderer and hides the overlay while
// the helper is offline, stale, or producing unparseable records. The user's
// visibility choice is remembered and restored when the condition clears.
type AutoHide struct {
	staleAfter time.Duration

	mu            sync.Mutex
	userVisible   bool
	hidden        bool
	reason        ports.HideReason
	parseFailed   bool
	online        bool
	lastHeartbeat int64
	haveHeartbeat bool
	reported      bool
}

// NewAutoHide creates a tracker. The overlay starts hidden until the first
// fresh heartbeat is observed.
func NewAutoHide(staleAfter time.Duration, userVisible bool) *AutoHide {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &AutoHide{
		staleAfter:  staleAfter,
		userVisible: userVisible,
		hidden:      true,
		reason:      ports.HideStale,
	}
}

// Observe folds one poll result into the state. It returns a change when the
// effective visibility or the hide reason moved, and always on the first call.
func (a *AutoHide) Observe(obs Observation, now time.Time) (ports.VisibilityChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case obs.Present && obs.ParseErr != nil:
		a.parseFailed = true
	case obs.Present:
		a.parseFailed = false
		a.online = obs.Snapshot.Online
		a.lastHeartbeat = obs.Snapshot.HeartbeatMs
		a.haveHeartbeat = true
		if obs.Snapshot.Controls != nil {
			a.userVisible = obs.Snapshot.Controls.Visible
		}
	}

	return a.evaluateLocked(now)
}

// SetUserVisible records a user toggle. While auto-hidden only the
// remembered visibility changes.
func (a *AutoHide) SetUserVisible(visible bool, now time.Time) (ports.VisibilityChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userVisible = visible
	return a.evaluateLocked(now)
}

// Visible reports the effective visibility
func (a *AutoHide) Visible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userVisible && !a.hidden
}

// AutoHidden reports whether the overlay is currently auto-hidden and why
func (a *AutoHide) AutoHidden() (bool, ports.HideReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hidden, a.reason
}

// RememberedVisible returns the visibility that will be restored
func (a *AutoHide) RememberedVisible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userVisible
}

func (a *AutoHide) evaluateLocked(now time.Time) (ports.VisibilityChange, bool) {
	reason := ports.HideNone
	switch {
	case a.parseFailed:
		reason = ports.HideParseFailure
	case !a.haveHeartbeat:
		reason = ports.HideStale
	case !a.online:
		reason = ports.HideOffline
	case now.UnixMilli()-a.lastHeartbeat > a.staleAfter.Milliseconds():
		reason = ports.HideStale
	}

	wasVisible := a.userVisible && !a.hidden
	prevReason := a.reason
	a.hidden = reason != ports.HideNone
	a.reason = reason
	visible := a.userVisible && !a.hidden

	if a.reported && wasVisible == visible && prevReason == reason {
		return ports.VisibilityChange{}, false
	}
	a.reported = true

	return ports.VisibilityChange{
		Visible:    visible,
		AutoHidden: a.hidden,
		Reason:     reason,
		Timestamp:  now,
	}, true
}
