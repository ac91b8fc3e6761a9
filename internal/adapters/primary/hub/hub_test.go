package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

type staticState struct {
	payload []byte
}

func (s staticState) LatestPayload() ([]byte, bool) {
	if s.payload == nil {
		return nil, false
	}
	return s.payload, true
}

type countingMetrics struct {
	ports.NopMetrics
	mu         sync.Mutex
	rejected   map[int]int
	opened     int
	closed     int
	broadcasts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{rejected: map[int]int{}, broadcasts: map[string]int{}}
}

func (m *countingMetrics) HandshakeRejected(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[status]++
}

func (m *countingMetrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *countingMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *countingMetrics) Broadcast(messageType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[messageType]++
}

func (m *countingMetrics) rejectedCount(status int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[status]
}

func startHub(t *testing.T, config entities.HubConfig, state ports.StateSource, metrics ports.Metrics) *Hub {
	t.Helper()
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	h := NewHub(config, metrics, nil)
	if state != nil {
		h.SetStateSource(state)
	}
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func hubURL(h *Hub, path string) string {
	return fmt.Sprintf("ws://%s%s", h.Addr().String(), path)
}

func dial(t *testing.T, rawURL string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func envelopeType(env map[string]json.RawMessage) string {
	var s string
	_ = json.Unmarshal(env["type"], &s)
	return s
}

// readUntil skips keepalive pings until a message of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		if envelopeType(env) == want {
			return env
		}
	}
	t.Fatalf("no %s message received", want)
	return nil
}

func TestHub_HelloThenLatestState(t *testing.T) {
	state := []byte(`{"schema_version":1,"online":true,"heartbeat_ms":5}`)
	h := startHub(t, entities.HubConfig{}, staticState{payload: state}, nil)

	conn := dial(t, hubURL(h, "/overlay"), nil)

	hello := readEnvelope(t, conn)
	assert.Equal(t, ports.MessageTypeHello, envelopeType(hello))
	assert.JSONEq(t, `"overlaysync/1"`, string(hello["protocol"]))
	assert.JSONEq(t, `["overlay_state","overlay_events","ping"]`, string(hello["capabilities"]))
	assert.Contains(t, hello, "server_time_ms")

	msg := readEnvelope(t, conn)
	assert.Equal(t, ports.MessageTypeOverlayState, envelopeType(msg))
	assert.JSONEq(t, string(state), string(msg["state"]))

	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_NoStateYet(t *testing.T) {
	h := startHub(t, entities.HubConfig{}, staticState{}, nil)
	conn := dial(t, hubURL(h, "/overlay"), nil)

	assert.Equal(t, ports.MessageTypeHello, envelopeType(readEnvelope(t, conn)))

	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.BroadcastState([]byte(`{"schema_version":1}`)))
	msg := readEnvelope(t, conn)
	assert.Equal(t, ports.MessageTypeOverlayState, envelopeType(msg))
}

func TestHub_BroadcastToAllClients(t *testing.T) {
	metrics := newCountingMetrics()
	h := startHub(t, entities.HubConfig{}, nil, metrics)

	clients := []*websocket.Conn{
		dial(t, hubURL(h, "/overlay"), nil),
		dial(t, hubURL(h, "/overlay"), nil),
		dial(t, hubURL(h, "/overlay"), nil),
	}
	for _, c := range clients {
		readUntil(t, c, ports.MessageTypeHello)
	}
	require.Eventually(t, func() bool { return h.ConnectionCount() == 3 }, time.Second, 10*time.Millisecond)

	records := []entities.EventRecord{
		{ID: 7, Type: entities.EventToggleOverlay, TimestampMs: 100, Payload: json.RawMessage(`{"value":true}`)},
	}
	require.NoError(t, h.BroadcastEvents(records, 2, 7))

	for _, c := range clients {
		env := readUntil(t, c, ports.MessageTypeOverlayEvents)
		assert.JSONEq(t, `[{"id":7,"type":"toggle_overlay","timestamp_ms":100,"received_at_ms":0,"payload":{"value":true}}]`, string(env["events"]))
		assert.JSONEq(t, `2`, string(env["dropped"]))
		assert.JSONEq(t, `7`, string(env["next_since"]))
	}

	require.NoError(t, h.BroadcastEvents(nil, 1, 7))
	env := readUntil(t, clients[0], ports.MessageTypeOverlayEvents)
	assert.JSONEq(t, `[]`, string(env["events"]))

	assert.Error(t, h.BroadcastState([]byte(`{not json`)))
}

func TestHub_PingPongAndClose(t *testing.T) {
	metrics := newCountingMetrics()
	h := startHub(t, entities.HubConfig{}, nil, metrics)
	conn := dial(t, hubURL(h, "/overlay"), nil)
	readUntil(t, conn, ports.MessageTypeHello)

	pongs := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)))
	select {
	case data := <-pongs:
		assert.Equal(t, "are-you-there", data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}

	// data frames from clients are accepted and ignored
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"noop"}`)))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case err := <-closed:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "server echoes the close: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}

	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.opened == 1 && metrics.closed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Keepalive(t *testing.T) {
	h := startHub(t, entities.HubConfig{KeepaliveMs: 20}, nil, nil)
	conn := dial(t, hubURL(h, "/overlay"), nil)
	readUntil(t, conn, ports.MessageTypeHello)

	env := readUntil(t, conn, ports.MessageTypePing)
	assert.Contains(t, env, "ts_ms")
}

func TestHub_DeadConnectionsArePruned(t *testing.T) {
	h := startHub(t, entities.HubConfig{}, nil, nil)

	healthy := dial(t, hubURL(h, "/overlay"), nil)
	readUntil(t, healthy, ports.MessageTypeHello)

	doomed, _, err := websocket.DefaultDialer.Dial(hubURL(h, "/overlay"), nil)
	require.NoError(t, err)
	readUntil(t, doomed, ports.MessageTypeHello)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, doomed.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		_ = h.BroadcastState([]byte(`{"schema_version":1}`))
		return h.ConnectionCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	env := readUntil(t, healthy, ports.MessageTypeOverlayState)
	assert.JSONEq(t, `{"schema_version":1}`, string(env["state"]))
}

func TestHub_HandshakeRejections(t *testing.T) {
	metrics := newCountingMetrics()
	h := startHub(t, entities.HubConfig{Token: "s3cret"}, nil, metrics)

	tests := []struct {
		name       string
		raw        string
		wantStatus int
	}{
		{name: "wrong method", raw: upgradeRequest("POST", "/overlay", validHeaders()), wantStatus: http.StatusMethodNotAllowed},
		{name: "wrong path", raw: upgradeRequest("GET", "/nope", validHeaders()), wantStatus: http.StatusNotFound},
		{name: "not an upgrade", raw: upgradeRequest("GET", "/overlay", with(validHeaders(), "Upgrade", "")), wantStatus: http.StatusBadRequest},
		{name: "no token", raw: upgradeRequest("GET", "/overlay", validHeaders()), wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", h.Addr().String())
			require.NoError(t, err)
			defer func() { _ = conn.Close() }()

			_, err = conn.Write([]byte(tt.raw))
			require.NoError(t, err)

			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	require.Eventually(t, func() bool { return metrics.rejectedCount(http.StatusUnauthorized) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.ConnectionCount())

	t.Run("token in query", func(t *testing.T) {
		conn := dial(t, hubURL(h, "/overlay")+"?token="+url.QueryEscape("s3cret"), nil)
		assert.Equal(t, ports.MessageTypeHello, envelopeType(readEnvelope(t, conn)))
	})

	t.Run("token in header", func(t *testing.T) {
		conn := dial(t, hubURL(h, "/overlay"), http.Header{TokenHeader: []string{"s3cret"}})
		assert.Equal(t, ports.MessageTypeHello, envelopeType(readEnvelope(t, conn)))
	})
}

func TestHub_Lifecycle(t *testing.T) {
	h := NewHub(entities.HubConfig{Host: "127.0.0.1", Path: "/sync"}, nil, nil)
	assert.False(t, h.IsRunning())
	assert.Nil(t, h.Addr())
	require.NoError(t, h.Stop(context.Background()), "stopping an idle hub is a no-op")

	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.Error(t, h.Start(context.Background()))

	t.Run("port in use is reported", func(t *testing.T) {
		_, port, err := net.SplitHostPort(h.Addr().String())
		require.NoError(t, err)
		var p int
		_, _ = fmt.Sscanf(port, "%d", &p)

		other := NewHub(entities.HubConfig{Host: "127.0.0.1", Port: p}, nil, nil)
		assert.Error(t, other.Start(context.Background()))
		assert.False(t, other.IsRunning())
	})

	conn := dial(t, hubURL(h, "/sync"), nil)
	readUntil(t, conn, ports.MessageTypeHello)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
	assert.False(t, h.IsRunning())
	assert.Equal(t, 0, h.ConnectionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "stop force-closes live connections")

	require.NoError(t, h.Start(context.Background()), "a stopped hub can be restarted")
	require.NoError(t, h.Stop(ctx))
}
