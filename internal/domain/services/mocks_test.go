package services

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// Mock implementations
type MockSnapshotWriter struct {
	mock.Mock
}

func (m *MockSnapshotWriter) Ensure() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockSnapshotWriter) Write(payload []byte, schemaVersion uint32, updatedAtMs int64) error {
	args := m.Called(payload, schemaVersion, updatedAtMs)
	return args.Error(0)
}

// writtenSnapshots decodes every payload passed to Write
func (m *MockSnapshotWriter) writtenSnapshots() []entities.Snapshot {
	var out []entities.Snapshot
	for _, call := range m.Calls {
		if call.Method != "Write" {
			continue
		}
		snap, err := entities.ParseSnapshot(call.Arguments.Get(0).([]byte))
		if err == nil {
			out = append(out, snap)
		}
	}
	return out
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) BroadcastState(state []byte) error {
	args := m.Called(state)
	return args.Error(0)
}

func (m *MockBroadcaster) BroadcastEvents(records []entities.EventRecord, dropped uint64, nextSince uint64) error {
	args := m.Called(records, dropped, nextSince)
	return args.Error(0)
}

func (m *MockBroadcaster) ConnectionCount() int {
	args := m.Called()
	return args.Int(0)
}

type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) Ensure() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockEventSource) PollOnce() (entities.Event, bool) {
	args := m.Called()
	return args.Get(0).(entities.Event), args.Bool(1)
}

func (m *MockEventSource) Drain() ports.DrainResult {
	args := m.Called()
	return args.Get(0).(ports.DrainResult)
}

func (m *MockEventSource) Stats() (ports.RingStats, bool) {
	args := m.Called()
	return args.Get(0).(ports.RingStats), args.Bool(1)
}

type MockSessionTracker struct {
	mock.Mock
}

func (m *MockSessionTracker) StartSession(ctx context.Context, at time.Time, system string) (string, error) {
	args := m.Called(ctx, at, system)
	return args.String(0), args.Error(1)
}

func (m *MockSessionTracker) StopSession(ctx context.Context, at time.Time) error {
	args := m.Called(ctx, at)
	return args.Error(0)
}

func (m *MockSessionTracker) AddBookmark(ctx context.Context, bookmark ports.Bookmark) error {
	args := m.Called(ctx, bookmark)
	return args.Error(0)
}

func (m *MockSessionTracker) ActiveSession(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// fakeClock is a manually advanced clock whose tickers fire on demand
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(d time.Duration) ports.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Tick fires every ticker once
func (c *fakeClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		select {
		case t.c <- c.now:
		default:
		}
	}
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type fakeTicker struct {
	c chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               {}

// recordingMetrics counts calls by name
type recordingMetrics struct {
	ports.NopMetrics
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (r *recordingMetrics) inc(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
}

func (r *recordingMetrics) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func (r *recordingMetrics) IngestAccepted(producer string) { r.inc("accepted:" + producer) }
func (r *recordingMetrics) IngestRejected(producer, reason string) {
	r.inc("rejected:" + producer + ":" + reason)
}
func (r *recordingMetrics) SinkFailed(sink string)   { r.inc("sink:" + sink) }
func (r *recordingMetrics) EventsDropped(n uint64)   { r.inc("dropped") }
func (r *recordingMetrics) EventsDrained(n int)      { r.inc("drained") }
