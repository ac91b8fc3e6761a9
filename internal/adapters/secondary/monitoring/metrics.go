package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

const namespace = "overlaysync"

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics implements ports.Metrics on a private prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	ingestTotal      *prometheus.CounterVec
	ingestRejected   *prometheus.CounterVec
	sinkFailures     *prometheus.CounterVec
	eventsDrained    prometheus.Counter
	eventsDropped    prometheus.Counter
	connectionsOpen  prometheus.Gauge
	connectionsTotal prometheus.Counter
	handshakeReject  *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
}

var _ ports.Metrics = (*Metrics)(nil)

// NewMetrics creates and registers every collector. Each instance owns its
// registry so tests and multiple servers never collide.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "ingest_total",
			Help:      "Accepted snapshot updates by producer",
		}, []string{"producer"}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "ingest_rejected_total",
			Help:      "Rejected snapshot updates by producer and reason",
		}, []string{"producer", "reason"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "sink_failures_total",
			Help:      "Failed publishes to a downstream sink",
		}, []string{"sink"}),
		eventsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "drained_total",
			Help:      "Events drained from the ring",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events evicted by ring overflow before being drained",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Currently open push connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_total",
			Help:      "Push connections accepted since start",
		}),
		handshakeReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "handshake_rejected_total",
			Help:      "Rejected upgrade requests by HTTP status",
		}, []string{"status"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Broadcast messages by envelope type",
		}, []string{"type"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed control API requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of control API handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestTotal,
		m.ingestRejected,
		m.sinkFailures,
		m.eventsDrained,
		m.eventsDropped,
		m.connectionsOpen,
		m.connectionsTotal,
		m.handshakeReject,
		m.broadcasts,
		m.requestTotal,
		m.requestLatency,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IngestAccepted(producer string) {
	m.ingestTotal.WithLabelValues(producer).Inc()
}

func (m *Metrics) IngestRejected(producer string, reason string) {
	m.ingestRejected.WithLabelValues(producer, reason).Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) EventsDrained(n int) {
	if n > 0 {
		m.eventsDrained.Add(float64(n))
	}
}

func (m *Metrics) EventsDropped(n uint64) {
	if n > 0 {
		m.eventsDropped.Add(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsOpen.Dec()
}

func (m *Metrics) HandshakeRejected(status int) {
	m.handshakeReject.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) Broadcast(messageType string) {
	m.broadcasts.WithLabelValues(messageType).Inc()
}

// ObserveRequest records one control API request
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}
