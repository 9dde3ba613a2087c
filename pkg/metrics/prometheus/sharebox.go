package prometheus

import (
	"time"

	"github.com/marmos91/sharebox/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// shareboxMetrics is the Prometheus implementation of metrics.ShareboxMetrics.
type shareboxMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       *prometheus.GaugeVec
	bytesTransferred       *prometheus.CounterVec
	handshakesTotal        *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
}

// NewShareboxMetrics creates a new Prometheus-backed ShareboxMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewShareboxMetrics() metrics.ShareboxMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopShareboxMetrics()
	}

	return newShareboxMetrics(metrics.GetRegistry())
}

func newShareboxMetrics(reg prometheus.Registerer) *shareboxMetrics {
	return &shareboxMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharebox_requests_total",
				Help: "Total number of requests by opcode and status",
			},
			[]string{"opcode", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "sharebox_request_duration_milliseconds",
				Help: "Duration of requests in milliseconds",
				Buckets: []float64{
					1,      // 1ms
					10,     // 10ms
					100,    // 100ms
					1000,   // 1s
					10000,  // 10s
					100000, // 100s
				},
			},
			[]string{"opcode"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sharebox_requests_in_flight",
				Help: "Current number of requests being processed",
			},
			[]string{"opcode"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharebox_bytes_transferred_total",
				Help: "Total file bytes transferred",
			},
			[]string{"direction"},
		),
		handshakesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharebox_handshakes_total",
				Help: "Total number of handshakes by result",
			},
			[]string{"result"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "sharebox_active_connections",
				Help: "Current number of active connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sharebox_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sharebox_connections_closed_total",
				Help: "Total number of connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "sharebox_connections_force_closed_total",
				Help: "Total number of connections force-closed during shutdown",
			},
		),
	}
}

func (m *shareboxMetrics) RecordRequest(opcode string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.requestsTotal.WithLabelValues(opcode, status).Inc()
	m.requestDuration.WithLabelValues(opcode).Observe(duration.Seconds() * 1000) // Convert to milliseconds
}

func (m *shareboxMetrics) RecordRequestStart(opcode string) {
	m.requestsInFlight.WithLabelValues(opcode).Inc()
}

func (m *shareboxMetrics) RecordRequestEnd(opcode string) {
	m.requestsInFlight.WithLabelValues(opcode).Dec()
}

func (m *shareboxMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *shareboxMetrics) RecordHandshake(result string) {
	m.handshakesTotal.WithLabelValues(result).Inc()
}

func (m *shareboxMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *shareboxMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *shareboxMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *shareboxMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}
