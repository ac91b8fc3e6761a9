package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// Hub accepts push clients on a dedicated port and fans snapshot and event
// messages out to every live connection.
type Hub struct {
	config  entities.HubConfig
	metrics ports.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	state    ports.StateSource
	listener net.Listener
	conns    *ConnectionManager
	stopCh   chan struct{}
	running  bool

	wg sync.WaitGroup
}

var (
	_ ports.Broadcaster = (*Hub)(nil)
	_ ports.HTTPServer  = (*Hub)(nil)
)

// NewHub creates a hub. It does not listen until Start.
func NewHub(config entities.HubConfig, metrics ports.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Hub{
		config:  config,
		metrics: metrics,
		logger:  logger.With("adapter", "hub"),
		conns:   NewConnectionManager(),
	}
}

// SetStateSource sets where late joiners get the latest snapshot from
func (h *Hub) SetStateSource(source ports.StateSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = source
}

// Start binds the listener and starts the accept and keepalive loops. A bind
// failure is returned so the caller can retry.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return errors.New("hub already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", h.config.Addr())
	if err != nil {
		return fmt.Errorf("binding hub on %s: %w", h.config.Addr(), err)
	}

	h.listener = listener
	h.conns = NewConnectionManager()
	h.stopCh = make(chan struct{})
	h.running = true

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.acceptLoop(listener, h.conns, h.stopCh)
	}()
	go func() {
		defer h.wg.Done()
		h.keepaliveLoop(h.stopCh)
	}()

	h.logger.Info("Hub listening",
		slog.String("address", listener.Addr().String()),
		slog.String("path", h.config.GetPath()),
		slog.Bool("token_required", h.config.Token != ""),
	)
	return nil
}

// Stop closes the listener, force-closes every connection and waits for all
// hub goroutines to exit
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.stopCh)
	err := h.listener.Close()
	conns := h.conns
	h.mu.Unlock()

	conns.CloseAll()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub stopped")
	case <-ctx.Done():
		return fmt.Errorf("waiting for hub goroutines: %w", ctx.Err())
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing listener: %w", err)
	}
	return nil
}

// IsRunning reports whether the hub is listening
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Addr returns the bound address, or nil when stopped
func (h *Hub) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil || !h.running {
		return nil
	}
	return h.listener.Addr()
}

// ConnectionCount returns the number of connections not yet known dead
func (h *Hub) ConnectionCount() int {
	return h.connections().Count()
}

// BroadcastState sends a serialized snapshot as overlay_state
func (h *Hub) BroadcastState(state []byte) error {
	payload, err := encodeState(state)
	if err != nil {
		return err
	}
	h.broadcast(ports.MessageTypeOverlayState, payload)
	return nil
}

// BroadcastEvents sends one overlay_events batch
func (h *Hub) BroadcastEvents(records []entities.EventRecord, dropped uint64, nextSince uint64) error {
	payload, err := encodeEvents(records, dropped, nextSince)
	if err != nil {
		return err
	}
	h.broadcast(ports.MessageTypeOverlayEvents, payload)
	return nil
}

func (h *Hub) connections() *ConnectionManager {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns
}

// broadcast frames payload once and writes it to every live connection.
// Failed writes mark the connection dead for the next broadcast to prune.
func (h *Hub) broadcast(messageType string, payload []byte) {
	frame := EncodeFrame(OpText, payload)
	live := h.connections().Live()

	for _, conn := range live {
		if err := conn.WriteFrame(frame); err != nil {
			h.logger.Debug("Dropping connection after failed write",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	h.metrics.Broadcast(messageType)
}

func (h *Hub) acceptLoop(listener net.Listener, conns *ConnectionManager, stopCh <-chan struct{}) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("Accept failed", slog.String("error", err.Error()))
			select {
			case <-stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		conn := newConnection(raw, h.config.GetWriteTimeout())
		if !conns.Add(conn) {
			_ = raw.Close()
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer conns.Remove(conn.ID)
			defer func() { _ = conn.Close() }()
			h.serve(conn)
		}()
	}
}

// serve runs the handshake, greets the client, then blocks in the read loop
func (h *Hub) serve(conn *Connection) {
	_ = conn.conn.SetReadDeadline(time.Now().Add(h.config.GetHandshakeTimeout()))
	key, rejection := readUpgradeRequest(conn.br, h.config.GetPath(), h.config.Token)
	if rejection != nil {
		h.metrics.HandshakeRejected(rejection.Status)
		h.logger.Debug("Handshake rejected",
			slog.String("remote", conn.Remote),
			slog.Int("status", rejection.Status),
			slog.String("reason", rejection.Reason),
		)
		_ = conn.conn.SetWriteDeadline(time.Now().Add(h.config.GetWriteTimeout()))
		_ = writeRejection(conn.conn, rejection.Status)
		return
	}
	_ = conn.conn.SetReadDeadline(time.Time{})

	if err := h.greet(conn, key); err != nil {
		h.logger.Debug("Failed to greet connection",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.metrics.ConnectionOpened()
	h.logger.Info("Client connected",
		slog.String("connection_id", conn.ID),
		slog.String("remote", conn.Remote),
	)

	err := conn.readLoop(int64(h.config.GetMaxFrameBytes()))

	h.metrics.ConnectionClosed()
	attrs := []any{
		slog.String("connection_id", conn.ID),
		slog.Duration("duration", time.Since(conn.OpenedAt)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Info("Client disconnected", attrs...)
}

// greet completes the upgrade and sends hello plus the latest snapshot while
// holding the write lock, so no broadcast lands before them
func (h *Hub) greet(conn *Connection, key string) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if err := writeSwitchingProtocols(conn.conn, key); err != nil {
		conn.markDead()
		return fmt.Errorf("writing upgrade response: %w", err)
	}
	conn.open.Store(true)

	hello, err := encodeHello(conn.ID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := conn.writeLocked(EncodeFrame(OpText, hello)); err != nil {
		return err
	}

	h.mu.RLock()
	source := h.state
	h.mu.RUnlock()
	if source == nil {
		return nil
	}

	latest, ok := source.LatestPayload()
	if !ok {
		return nil
	}
	state, err := encodeState(latest)
	if err != nil {
		return err
	}
	return conn.writeLocked(EncodeFrame(OpText, state))
}

func (h *Hub) keepaliveLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(h.config.GetKeepalive())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			payload, err := encodePing(now.UnixMilli())
			if err != nil {
				continue
			}
			h.broadcast(ports.MessageTypePing, payload)
		}
	}
}
