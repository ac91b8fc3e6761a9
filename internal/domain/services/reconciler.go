package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

var (
	// ErrInvalidUpdate is returned when an update fails validation
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrMalformedPayload is returned when a serialized update cannot be decoded
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrReconcilerStopped is returned for updates after Shutdown
	ErrReconcilerStopped = errors.New("reconciler stopped")
)

// Sink names used in logs and metrics
const (
	sinkSnapshotChannel = "snapshot_channel"
	sinkHub             = "hub"
)

// StateReconciler merges producer contributions into the canonical snapshot
// and publishes every accepted result to the snapshot channel and the hub.
type StateReconciler struct {
	table       AuthorityTable
	writer      ports.SnapshotWriter
	broadcaster ports.Broadcaster
	clock       ports.Clock
	metrics     ports.Metrics
	sanitizer   *textSanitizer
	heartbeat   time.Duration
	logger      *slog.Logger

	mu         sync.RWMutex
	current    entities.Snapshot
	payload    []byte
	hasCurrent bool
	stopped    bool
	seq        uint64

	// publishMu is never acquired while mu is held
	publishMu    sync.Mutex
	publishedSeq uint64
	shutdownOnce sync.Once
}

var (
	_ ports.StateReconciler = (*StateReconciler)(nil)
	_ ports.StateSource     = (*StateReconciler)(nil)
)

// NewStateReconciler creates a reconciler. writer and broadcaster may be nil
// when a sink is not configured.
func NewStateReconciler(
	writer ports.SnapshotWriter,
	broadcaster ports.Broadcaster,
	clock ports.Clock,
	metrics ports.Metrics,
	heartbeat time.Duration,
	logger *slog.Logger,
) *StateReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if heartbeat <= 0 {
		heartbeat = time.Second
	}

	return &StateReconciler{
		table:       DefaultAuthorityTable(),
		writer:      writer,
		broadcaster: broadcaster,
		clock:       clock,
		metrics:     metrics,
		sanitizer:   newTextSanitizer(),
		heartbeat:   heartbeat,
		logger:      logger.With("service", "reconciler"),
	}
}

// Table returns the authority table in effect
func (s *StateReconciler) Table() AuthorityTable {
	return s.table
}

// Ingest validates and merges an update, then publishes the result
func (s *StateReconciler) Ingest(ctx context.Context, update ports.Update) (entities.Snapshot, error) {
	producer := update.Producer
	if _, err := entities.ParseProducerTag(string(producer)); err != nil {
		s.metrics.IngestRejected(producer.String(), "producer")
		return entities.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	incoming := update.Snapshot.Clone()
	s.sanitizer.snapshot(&incoming)
	if err := incoming.Validate(); err != nil {
		s.metrics.IngestRejected(producer.String(), "invalid")
		s.logger.Warn("Rejected snapshot update",
			slog.String("producer", producer.String()),
			slog.String("error", err.Error()),
		)
		return entities.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	next, err := s.apply(func(prior entities.Snapshot) entities.Snapshot {
		merged := s.table.Merge(prior, incoming, producer)
		merged.ProducedAtMs = s.clock.Now().UnixMilli()
		return merged
	})
	if err != nil {
		s.metrics.IngestRejected(producer.String(), "stopped")
		return entities.Snapshot{}, err
	}

	s.metrics.IngestAccepted(producer.String())
	s.logger.Debug("Snapshot update accepted", slog.String("producer", producer.String()))
	return next, nil
}

// IngestJSON decodes a serialized partial snapshot and ingests it
func (s *StateReconciler) IngestJSON(ctx context.Context, producer entities.ProducerTag, payload []byte) (entities.Snapshot, error) {
	var incoming entities.Snapshot
	if err := json.Unmarshal(payload, &incoming); err != nil {
		s.metrics.IngestRejected(producer.String(), "malformed")
		s.logger.Warn("Rejected malformed snapshot payload",
			slog.String("producer", producer.String()),
			slog.Int("payload_bytes", len(payload)),
			slog.String("error", err.Error()),
		)
		return entities.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return s.Ingest(ctx, ports.Update{Producer: producer, Snapshot: incoming})
}

// UpdateControls applies a renderer-owned controls change through the
// authority table
func (s *StateReconciler) UpdateControls(ctx context.Context, mutate func(c *entities.OverlayControls)) (entities.Snapshot, error) {
	return s.apply(func(prior entities.Snapshot) entities.Snapshot {
		controls := entities.DefaultControls()
		if prior.Controls != nil {
			controls = *prior.Controls
		}
		mutate(&controls)

		merged := s.table.Merge(prior, entities.Snapshot{Controls: &controls}, entities.ProducerRenderer)
		merged.ProducedAtMs = s.clock.Now().UnixMilli()
		return merged
	})
}

// Heartbeat republishes the current snapshot with a fresh heartbeat. Before
// any content exists it publishes an empty online snapshot.
func (s *StateReconciler) Heartbeat() {
	_, err := s.apply(func(prior entities.Snapshot) entities.Snapshot {
		return prior
	})
	if err != nil && !errors.Is(err, ErrReconcilerStopped) {
		s.logger.Warn("Heartbeat publish failed", slog.String("error", err.Error()))
	}
}

// Run publishes heartbeats until ctx is cancelled
func (s *StateReconciler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()

	s.Heartbeat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.Heartbeat()
		}
	}
}

// Shutdown publishes one final snapshot with online=false. Later calls and
// later updates are ignored.
func (s *StateReconciler) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		now := s.clock.Now().UnixMilli()
		final := s.baselineLocked()
		final.Online = false
		final.HeartbeatMs = now
		final.SchemaVersion = entities.SnapshotSchemaVersion
		s.stopped = true

		payload, err := final.Marshal()
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("Failed to encode final snapshot", slog.String("error", err.Error()))
			return
		}
		s.current = final
		s.payload = payload
		s.hasCurrent = true
		s.seq++
		seq := s.seq
		s.mu.Unlock()

		s.publishInOrder(seq, payload, now)

		s.logger.Info("Published offline snapshot")
	})
}

// Latest returns a copy of the canonical snapshot
func (s *StateReconciler) Latest() (entities.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCurrent {
		return entities.Snapshot{}, false
	}
	return s.current.Clone(), true
}

// LatestPayload returns the serialized canonical snapshot
func (s *StateReconciler) LatestPayload() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCurrent {
		return nil, false
	}
	return append([]byte(nil), s.payload...), true
}

// FollowMode reports whether the overlay follows the player
func (s *StateReconciler) FollowMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.Controls == nil {
		return entities.DefaultControls().FollowMode
	}
	return s.current.Controls.FollowMode
}

// TailerCallbacks returns the hooks handed to the log-tailer
func (s *StateReconciler) TailerCallbacks() ports.TailerCallbacks {
	return ports.TailerCallbacks{
		Publish: func(snapshot entities.Snapshot, payloadSize int) {
			if snapshot.SchemaVersion == 0 {
				snapshot.SchemaVersion = entities.SnapshotSchemaVersion
			}
			if _, err := s.Ingest(context.Background(), ports.Update{Producer: entities.ProducerLogTailer, Snapshot: snapshot}); err != nil {
				s.logger.Warn("Tailer update rejected",
					slog.Int("payload_bytes", payloadSize),
					slog.String("error", err.Error()),
				)
			}
		},
		StatusChanged: func(status entities.ProducerStatus) {
			if status.ChangedMs == 0 {
				status.ChangedMs = s.clock.Now().UnixMilli()
			}
			update := entities.Snapshot{SchemaVersion: entities.SnapshotSchemaVersion, TailerStatus: &status}
			if _, err := s.Ingest(context.Background(), ports.Update{Producer: entities.ProducerLogTailer, Snapshot: update}); err != nil {
				s.logger.Warn("Tailer status rejected", slog.String("error", err.Error()))
			}
		},
		FollowMode: s.FollowMode,
	}
}

// apply commits build(prior) as the new canonical snapshot and publishes it
func (s *StateReconciler) apply(build func(prior entities.Snapshot) entities.Snapshot) (entities.Snapshot, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return entities.Snapshot{}, ErrReconcilerStopped
	}

	now := s.clock.Now().UnixMilli()
	next := build(s.baselineLocked())
	next.SchemaVersion = entities.SnapshotSchemaVersion
	next.HeartbeatMs = now
	next.Online = true

	payload, err := next.Marshal()
	if err != nil {
		s.mu.Unlock()
		return entities.Snapshot{}, err
	}
	s.current = next
	s.payload = payload
	s.hasCurrent = true
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.publishInOrder(seq, payload, now)

	return next.Clone(), nil
}

func (s *StateReconciler) baselineLocked() entities.Snapshot {
	if !s.hasCurrent {
		snap := entities.NewSnapshot()
		controls := entities.DefaultControls()
		snap.Controls = &controls
		return snap
	}
	return s.current.Clone()
}

// publishInOrder publishes the commit numbered seq unless a later commit has
// already reached the sinks. The sinks are latest-wins, so a skipped commit
// is superseded rather than lost.
func (s *StateReconciler) publishInOrder(seq uint64, payload []byte, updatedAtMs int64) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if seq <= s.publishedSeq {
		return
	}
	s.publishedSeq = seq
	s.publish(payload, updatedAtMs)
}

// publish fans the payload out to the secondary sinks. Failures are logged and
// counted but never surface to the caller.
func (s *StateReconciler) publish(payload []byte, updatedAtMs int64) {
	if s.writer != nil {
		switch {
		case !s.writer.Ensure():
			s.metrics.SinkFailed(sinkSnapshotChannel)
			s.logger.Debug("Snapshot channel unavailable")
		default:
			if err := s.writer.Write(payload, entities.SnapshotSchemaVersion, updatedAtMs); err != nil {
				s.metrics.SinkFailed(sinkSnapshotChannel)
				s.logger.Warn("Failed to write snapshot channel",
					slog.String("error", err.Error()),
					slog.Int("payload_bytes", len(payload)),
				)
			}
		}
	}

	if s.broadcaster != nil {
		if err := s.broadcaster.BroadcastState(payload); err != nil {
			s.metrics.SinkFailed(sinkHub)
			s.logger.Warn("Failed to broadcast snapshot", slog.String("error", err.Error()))
		}
	}
}
