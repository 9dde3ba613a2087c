package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics provides observability for backend store operations.
//
// It is used by the sharing registry backends (flatfile, badger) to report
// the latency and outcome of every registry operation, which is dominated by
// the lock hold time of a read-modify-write.
//
// Example usage:
//
//	m := metrics.NewStoreMetrics("sharing", "flatfile")
//	store := sharing.Instrument(flatfile.NewInRoot(root), m)
type StoreMetrics interface {
	// RecordOperation records a completed store operation with its name,
	// duration, and outcome.
	//
	// Parameters:
	//   - operation: Operation name (e.g., "Grant", "RevokeAll")
	//   - duration: Time taken to complete the operation
	//   - err: Error if operation failed, nil if successful
	RecordOperation(operation string, duration time.Duration, err error)
}

// storeMetrics is the Prometheus implementation of StoreMetrics.
type storeMetrics struct {
	component         string
	storeType         string
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewStoreMetrics creates a new Prometheus-backed StoreMetrics instance.
//
// Parameters:
//   - component: Which store this is (e.g., "sharing")
//   - storeType: Backend implementation (e.g., "flatfile", "badger")
//
// Returns a no-op implementation if metrics are not enabled.
func NewStoreMetrics(component, storeType string) StoreMetrics {
	if !IsEnabled() {
		return NewNoopStoreMetrics()
	}
	return newStoreMetrics(GetRegistry(), component, storeType)
}

func newStoreMetrics(reg prometheus.Registerer, component, storeType string) *storeMetrics {
	return &storeMetrics{
		component: component,
		storeType: storeType,
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharebox_store_operations_total",
				Help: "Total number of store operations by component, store type, operation, and status",
			},
			[]string{"component", "store_type", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "sharebox_store_operation_duration_seconds",
				Help: "Duration of store operations in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
				},
			},
			[]string{"component", "store_type", "operation"},
		),
	}
}

func (m *storeMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(m.component, m.storeType, operation, status).Inc()
	m.operationDuration.WithLabelValues(m.component, m.storeType, operation).Observe(duration.Seconds())
}

// NewNoopStoreMetrics returns a StoreMetrics that discards everything.
func NewNoopStoreMetrics() StoreMetrics {
	return noopStoreMetrics{}
}

type noopStoreMetrics struct{}

func (noopStoreMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
