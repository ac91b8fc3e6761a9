package services

import (
	"sync"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// DefaultHistoryCap is the number of drained events kept for catch-up reads
const DefaultHistoryCap = 256

// EventHistory keeps the most recent drained events with monotonically
// increasing ids. It has its own lock, independent of the reconciler state.
type EventHistory struct {
	mu      sync.Mutex
	limit   int
	lastID  uint64
	records []entities.EventRecord
	dropped uint64
}

var _ ports.EventHistory = (*EventHistory)(nil)

// NewEventHistory creates a history bounded to limit records
func NewEventHistory(limit int) *EventHistory {
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	return &EventHistory{
		limit:   limit,
		records: make([]entities.EventRecord, 0, limit),
	}
}

// Add assigns ids to events, evicting the oldest records past the cap.
// It returns the new records and the cursor a client should pass next.
func (h *EventHistory) Add(events []entities.Event, dropped uint64, receivedAtMs int64) ([]entities.EventRecord, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropped += dropped
	added := make([]entities.EventRecord, 0, len(events))
	for _, e := range events {
		h.lastID++
		rec := entities.NewEventRecord(h.lastID, e, receivedAtMs)
		added = append(added, rec)
		h.records = append(h.records, rec)
	}

	if over := len(h.records) - h.limit; over > 0 {
		h.records = append(h.records[:0], h.records[over:]...)
	}

	return added, h.lastID
}

// Since returns records with id greater than since. The returned cursor is
// the last assigned id; a cursor ahead of it (from a previous helper run)
// is answered with every retained record.
func (h *EventHistory) Since(since uint64) ([]entities.EventRecord, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if since > h.lastID {
		since = 0
	}

	var out []entities.EventRecord
	for _, rec := range h.records {
		if rec.ID > since {
			out = append(out, rec)
		}
	}
	return out, h.lastID
}

// Dropped returns the total number of events lost to ring overflow
func (h *EventHistory) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// LastID returns the most recently assigned id
func (h *EventHistory) LastID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// Len returns the number of retained records
func (h *EventHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
