package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// ErrNoSessionTracker is returned when a session event arrives without a
// persistence collaborator
var ErrNoSessionTracker = errors.New("session tracker unavailable")

// EventPump drains the event ring on a fixed interval, records every event in
// the history, dispatches it and broadcasts the batch to push clients.
type EventPump struct {
	source      ports.EventSource
	history     *EventHistory
	reconciler  ports.StateReconciler
	broadcaster ports.Broadcaster
	sessions    ports.SessionTrackerProvider
	clock       ports.Clock
	metrics     ports.Metrics
	interval    time.Duration
	logger      *slog.Logger

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEventPump creates an event pump. broadcaster and sessions may be nil.
func NewEventPump(
	source ports.EventSource,
	history *EventHistory,
	reconciler ports.StateReconciler,
	broadcaster ports.Broadcaster,
	sessions ports.SessionTrackerProvider,
	clock ports.Clock,
	metrics ports.Metrics,
	interval time.Duration,
	logger *slog.Logger,
) *EventPump {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if history == nil {
		history = NewEventHistory(DefaultHistoryCap)
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	return &EventPump{
		source:      source,
		history:     history,
		reconciler:  reconciler,
		broadcaster: broadcaster,
		sessions:    sessions,
		clock:       clock,
		metrics:     metrics,
		interval:    interval,
		logger:      logger.With("service", "event_pump"),
		stopCh:      make(chan struct{}),
	}
}

// History returns the history the pump records into
func (p *EventPump) History() *EventHistory {
	return p.history
}

// Run drains until ctx is cancelled or Stop is called
func (p *EventPump) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for !p.stopped.Load() {
		p.PumpOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-ticker.C():
		}
	}
	return nil
}

// Stop ends Run at its next wait
func (p *EventPump) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// PumpOnce performs one drain-record-dispatch-broadcast cycle and returns the
// number of events handled
func (p *EventPump) PumpOnce(ctx context.Context) int {
	if !p.source.Ensure() {
		p.logger.Debug("Event ring unavailable, retrying next poll")
		return 0
	}

	result := p.source.Drain()
	if result.Dropped > 0 {
		p.metrics.EventsDropped(result.Dropped)
		p.logger.Warn("Event ring overflowed", slog.Uint64("dropped", result.Dropped))
	}
	if len(result.Events) == 0 && result.Dropped == 0 {
		return 0
	}

	records, nextSince := p.history.Add(result.Events, result.Dropped, p.clock.Now().UnixMilli())
	for _, event := range result.Events {
		if err := p.dispatch(ctx, event); err != nil {
			p.logger.Warn("Failed to dispatch event",
				slog.String("type", event.Type.String()),
				slog.Int64("timestamp_ms", event.TimestampMs),
				slog.String("error", err.Error()),
			)
		}
	}
	p.metrics.EventsDrained(len(result.Events))

	if p.broadcaster != nil {
		if err := p.broadcaster.BroadcastEvents(records, result.Dropped, nextSince); err != nil {
			p.metrics.SinkFailed(sinkHub)
			p.logger.Warn("Failed to broadcast events", slog.String("error", err.Error()))
		}
	}

	return len(result.Events)
}

func (p *EventPump) dispatch(ctx context.Context, event entities.Event) error {
	if event.Truncated() {
		return fmt.Errorf("%s payload truncated by the ring", event.Type)
	}

	switch event.Type {
	case entities.EventToggleOverlay:
		return p.toggle(ctx, event, func(c *entities.OverlayControls) *bool { return &c.Visible })
	case entities.EventToggleFollowMode:
		return p.toggle(ctx, event, func(c *entities.OverlayControls) *bool { return &c.FollowMode })
	case entities.EventToggleCompact:
		return p.toggle(ctx, event, func(c *entities.OverlayControls) *bool { return &c.Compact })
	case entities.EventSessionStart:
		return p.startSession(ctx, event)
	case entities.EventSessionStop:
		return p.stopSession(ctx, event)
	case entities.EventBookmarkRequest:
		return p.bookmark(ctx, event)
	default:
		return fmt.Errorf("%w: %d", entities.ErrUnknownEventType, uint16(event.Type))
	}
}

// toggle flips a control, or forces it when the payload carries a value
func (p *EventPump) toggle(ctx context.Context, event entities.Event, field func(c *entities.OverlayControls) *bool) error {
	var payload entities.TogglePayload
	if err := event.DecodePayload(&payload); err != nil {
		return err
	}

	_, err := p.reconciler.UpdateControls(ctx, func(c *entities.OverlayControls) {
		target := field(c)
		if payload.Value != nil {
			*target = *payload.Value
			return
		}
		*target = !*target
	})
	return err
}

func (p *EventPump) tracker() (ports.SessionTracker, error) {
	if p.sessions == nil {
		return nil, ErrNoSessionTracker
	}
	tracker := p.sessions()
	if tracker == nil {
		return nil, ErrNoSessionTracker
	}
	return tracker, nil
}

func (p *EventPump) startSession(ctx context.Context, event entities.Event) error {
	var payload entities.SessionPayload
	if err := event.DecodePayload(&payload); err != nil {
		return err
	}
	tracker, err := p.tracker()
	if err != nil {
		return err
	}

	id, err := tracker.StartSession(ctx, eventTime(event, p.clock), payload.System)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	_, err = p.reconciler.UpdateControls(ctx, func(c *entities.OverlayControls) {
		c.SessionID = id
	})
	return err
}

func (p *EventPump) stopSession(ctx context.Context, event entities.Event) error {
	var payload entities.SessionPayload
	if err := event.DecodePayload(&payload); err != nil {
		return err
	}
	tracker, err := p.tracker()
	if err != nil {
		return err
	}

	if err := tracker.StopSession(ctx, eventTime(event, p.clock)); err != nil {
		return fmt.Errorf("stopping session: %w", err)
	}

	_, err = p.reconciler.UpdateControls(ctx, func(c *entities.OverlayControls) {
		c.SessionID = ""
	})
	return err
}

func (p *EventPump) bookmark(ctx context.Context, event entities.Event) error {
	var payload entities.BookmarkPayload
	if err := event.DecodePayload(&payload); err != nil {
		return err
	}
	tracker, err := p.tracker()
	if err != nil {
		return err
	}

	system := payload.System
	if system == "" {
		if snap, ok := p.reconciler.Latest(); ok && snap.Player != nil {
			system = snap.Player.System
		}
	}

	bookmark := ports.Bookmark{
		System:    system,
		Body:      payload.Body,
		Note:      payload.Note,
		CreatedAt: eventTime(event, p.clock),
	}
	if err := tracker.AddBookmark(ctx, bookmark); err != nil {
		return fmt.Errorf("adding bookmark: %w", err)
	}

	_, err = p.reconciler.UpdateControls(ctx, func(c *entities.OverlayControls) {
		c.BookmarksRequested++
	})
	return err
}

// eventTime prefers the renderer's timestamp over the drain time
func eventTime(event entities.Event, clock ports.Clock) time.Time {
	if event.TimestampMs > 0 {
		return time.UnixMilli(event.TimestampMs)
	}
	return clock.Now()
}
