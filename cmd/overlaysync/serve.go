package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fredcamaral/overlaysync/internal/adapters/primary/http"
	"github.com/fredcamaral/overlaysync/internal/adapters/primary/hub"
	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/monitoring"
	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/sessions"
	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/shm"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
	"github.com/fredcamaral/overlaysync/internal/domain/services"
)

// bindRetryDelay is the pause between listener bind attempts
const bindRetryDelay = 2 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the helper: reconciler, event pump, push hub and control API",
		Long: `Start the helper process. It publishes the canonical snapshot to shared
memory and to push clients, drains renderer events, and exposes a local control
API for producers.

Example:
  overlaysync serve
  overlaysync serve --hub-port 4570 --token secret --no-sessions`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().Int("hub-port", 0, "Push hub port (overrides config)")
	cmd.Flags().Int("api-port", 0, "Control API port (overrides config)")
	cmd.Flags().String("host", "", "Host to bind hub and API to (overrides config)")
	cmd.Flags().String("token", "", "Token push clients must present (overrides config)")
	cmd.Flags().Bool("no-api", false, "Disable the control API")
	cmd.Flags().Bool("no-sessions", false, "Disable session persistence")
	cmd.Flags().String("sessions-db", "", "Session database path (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	h := newHelper(cfg, logger)
	return h.run(cmd.Context())
}

// helper owns every component of the serve process. Nothing here is global;
// tests build as many helpers as they need.
type helper struct {
	cfg    *entities.Config
	logger *slog.Logger

	snapshots  *shm.SnapshotChannel
	ring       *shm.EventRingChannel
	metrics    *monitoring.Metrics
	hub        *hub.Hub
	reconciler *services.StateReconciler
	history    *services.EventHistory
	pump       *services.EventPump
	api        *api.Server

	storeMu sync.RWMutex
	store   *sessions.Store
}

// newHelper constructs and wires the components without starting them
func newHelper(cfg *entities.Config, logger *slog.Logger) *helper {
	h := &helper{cfg: cfg, logger: logger}

	channels := cfg.Channels
	h.snapshots = shm.NewSnapshotChannel(channels.GetDir(), channels.SnapshotName, channels.GetSnapshotCapacity(), logger)
	h.ring = shm.NewEventRingChannel(channels.GetDir(), channels.EventName,
		uint32(channels.GetEventSlots()), uint32(channels.GetEventPayloadCap()), logger) // #nosec G115 - bounded by config validation

	h.metrics = monitoring.NewMetrics()
	h.hub = hub.NewHub(cfg.Hub, h.metrics, logger)
	h.reconciler = services.NewStateReconciler(h.snapshots, h.hub, nil, h.metrics, cfg.Reconciler.GetHeartbeat(), logger)
	h.hub.SetStateSource(h.reconciler)

	h.history = services.NewEventHistory(cfg.Events.GetHistoryCap())
	h.pump = services.NewEventPump(h.ring, h.history, h.reconciler, h.hub, h.sessionTracker,
		nil, h.metrics, cfg.Events.GetPollInterval(), logger)

	if cfg.API.IsEnabled() {
		h.api = api.NewServer(cfg.API, api.Dependencies{
			Reconciler: h.reconciler,
			History:    h.history,
			Hub:        h.hub,
			Ring:       h.ring,
			Metrics:    h.metrics,
		}, logger)
	}

	return h
}

// sessionTracker hands the pump the store, or nil while it is unavailable
func (h *helper) sessionTracker() ports.SessionTracker {
	h.storeMu.RLock()
	defer h.storeMu.RUnlock()
	if h.store == nil {
		return nil
	}
	return h.store
}

func (h *helper) openSessions() {
	if !h.cfg.Sessions.IsEnabled() {
		return
	}

	path := h.cfg.Sessions.GetDatabase()
	store, err := sessions.Open(path, h.logger)
	if err != nil {
		h.logger.Warn("Session persistence unavailable", slog.String("error", err.Error()))
		return
	}

	h.storeMu.Lock()
	h.store = store
	h.storeMu.Unlock()
	h.logger.Info("Session persistence enabled", slog.String("database", path))
}

func (h *helper) closeSessions() {
	h.storeMu.Lock()
	defer h.storeMu.Unlock()
	if h.store == nil {
		return
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("Failed to close session store", slog.String("error", err.Error()))
	}
	h.store = nil
}

// run starts every component and blocks until ctx is cancelled, then shuts
// down in order: pump, reconciler (final offline snapshot), hub, API, storage.
func (h *helper) run(ctx context.Context) error {
	if !h.snapshots.Ensure() {
		h.logger.Warn("Snapshot channel unavailable, will retry on publish")
	}
	if !h.ring.Ensure() {
		h.logger.Warn("Event ring unavailable, will retry on drain")
	}
	h.openSessions()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = h.pump.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		startWithRetry(ctx, "hub", h.hub.Start, h.logger)
	}()

	if h.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startWithRetry(ctx, "control API", h.api.Start, h.logger)
		}()
	}

	<-ctx.Done()
	h.logger.Info("Shutting down")

	h.pump.Stop()
	wg.Wait()

	return h.shutdown()
}

func (h *helper) shutdown() error {
	h.reconciler.Shutdown()

	timeout := h.cfg.API.GetShutdownTimeout()
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := h.hub.Stop(stopCtx); err != nil {
		firstErr = fmt.Errorf("stopping hub: %w", err)
	}

	if h.api != nil && h.api.IsRunning() {
		if err := h.api.Stop(stopCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping control API: %w", err)
		}
	}

	h.closeSessions()

	if err := h.snapshots.Close(); err != nil {
		h.logger.Warn("Failed to close snapshot channel", slog.String("error", err.Error()))
	}
	if err := h.ring.Close(); err != nil {
		h.logger.Warn("Failed to close event ring", slog.String("error", err.Error()))
	}

	return firstErr
}

// startWithRetry calls start until it succeeds or ctx is cancelled
func startWithRetry(ctx context.Context, name string, start func(context.Context) error, logger *slog.Logger) bool {
	for attempt := 1; ; attempt++ {
		err := start(ctx)
		if err == nil {
			return true
		}

		logger.Warn("Listener bind failed, retrying",
			slog.String("component", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(bindRetryDelay):
		}
	}
}
