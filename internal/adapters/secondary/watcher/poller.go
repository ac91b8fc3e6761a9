package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
	"github.com/fredcamaral/overlaysync/internal/domain/services"
)

// ErrWatcherStopped is returned by Watch after Stop
var ErrWatcherStopped = errors.New("watcher stopped")

// SnapshotPoller polls the snapshot channel on the renderer side and feeds
// every read into an AutoHide tracker, emitting visibility transitions
type SnapshotPoller struct {
	reader   ports.SnapshotReader
	autoHide *services.AutoHide
	clock    ports.Clock
	interval time.Duration
	logger   *slog.Logger

	events chan ports.VisibilityChange

	mu        sync.RWMutex
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	stopCh    chan struct{}
	latest    entities.Snapshot
	hasLatest bool
	lastSeen  int64
}

var _ ports.SnapshotWatcher = (*SnapshotPoller)(nil)

// NewSnapshotPoller creates a poller. clock may be nil.
func NewSnapshotPoller(reader ports.SnapshotReader, autoHide *services.AutoHide, clock ports.Clock, interval time.Duration, logger *slog.Logger) *SnapshotPoller {
	if clock == nil {
		clock = ports.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &SnapshotPoller{
		reader:   reader,
		autoHide: autoHide,
		clock:    clock,
		interval: interval,
		logger:   logger.With("adapter", "snapshot_poller"),
		events:   make(chan ports.VisibilityChange, 10),
		stopCh:   make(chan struct{}),
	}
}

// Watch polls once immediately, then every interval until ctx is cancelled
// or Stop is called. The returned channel is closed by Stop.
func (p *SnapshotPoller) Watch(ctx context.Context) (<-chan ports.VisibilityChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrWatcherStopped
	}
	if p.started {
		return p.events, nil
	}
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()

	return p.events, nil
}

// Stop stops polling and closes the events channel
func (p *SnapshotPoller) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.events)
	return nil
}

// Latest returns the last successfully decoded snapshot
func (p *SnapshotPoller) Latest() (entities.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasLatest {
		return entities.Snapshot{}, false
	}
	return p.latest.Clone(), true
}

// PollOnce reads the channel once and reports a visibility change, if any
func (p *SnapshotPoller) PollOnce() (ports.VisibilityChange, bool) {
	obs := services.Observation{}
	if p.reader.Ensure() {
		rec, ok := p.reader.Read()
		obs = services.ObservationFromRecord(rec, ok)
		if ok {
			p.remember(rec, obs)
		}
	}
	return p.autoHide.Observe(obs, p.clock.Now())
}

func (p *SnapshotPoller) remember(rec ports.SnapshotRecord, obs services.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if obs.ParseErr != nil {
		if rec.UpdatedAtMs != p.lastSeen {
			p.logger.Warn("Unparseable snapshot record",
				slog.Int64("updated_at_ms", rec.UpdatedAtMs),
				slog.String("error", obs.ParseErr.Error()),
			)
		}
		p.lastSeen = rec.UpdatedAtMs
		return
	}
	p.lastSeen = rec.UpdatedAtMs
	p.latest = obs.Snapshot
	p.hasLatest = true
}

// pollLoop continuously polls the channel
func (p *SnapshotPoller) pollLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	if !p.emit(ctx, p.PollOnce) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C():
			if !p.emit(ctx, p.PollOnce) {
				return
			}
		}
	}
}

// emit runs one poll and delivers its change. It returns false when the
// loop should exit.
func (p *SnapshotPoller) emit(ctx context.Context, poll func() (ports.VisibilityChange, bool)) bool {
	change, changed := poll()
	if !changed {
		return true
	}

	p.logger.Debug("Overlay visibility changed",
		slog.Bool("visible", change.Visible),
		slog.Bool("auto_hidden", change.AutoHidden),
		slog.String("reason", change.Reason.String()),
	)

	select {
	case p.events <- change:
		return true
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	}
}
