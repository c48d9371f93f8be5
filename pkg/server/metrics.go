package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry, so several servers can coexist in one process. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	activeSessions prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed prometheus.Counter
	dispatchTime   *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wirechat_frames_received_total",
			Help: "Request frames received, by opcode",
		}, []string{"op"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wirechat_frames_sent_total",
			Help: "Response and notification frames sent, by opcode",
		}, []string{"op"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wirechat_protocol_errors_total",
			Help: "Dropped frames, by reason",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wirechat_notifications_total",
			Help: "Database events relayed to connected users, by event",
		}, []string{"event"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wirechat_active_sessions",
			Help: "Currently open connections",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_sessions_opened_total",
			Help: "Connections accepted",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wirechat_sessions_closed_total",
			Help: "Connections closed",
		}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wirechat_dispatch_seconds",
			Help:    "Time spent handling a request, by opcode",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.framesReceived,
		m.framesSent,
		m.protocolErrors,
		m.notifications,
		m.activeSessions,
		m.sessionsOpened,
		m.sessionsClosed,
		m.dispatchTime,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordMessageReceived(op string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordMessageSent(op string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordNotification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordDispatch(op string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTime.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}
