// Package metrics provides Prometheus metrics collection for sharebox.
//
// Metrics are optional. Until InitRegistry is called every constructor hands
// out a no-op implementation, so the server runs identically with collection
// disabled.
//
// Usage:
//
//	// Initialize global registry (typically from config.InitializeMetrics)
//	metrics.InitRegistry()
//
//	// Create metrics for the adapter
//	m := prometheus.NewShareboxMetrics()
//
//	// Or use nil for no-op behavior
//	adapter := sharebox.New(config, deps, nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is the global Prometheus registry for all sharebox metrics.
	// Protected by registryOnce for write-once, read-many pattern
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// The registry is seeded with the Go runtime and process collectors. It's
// safe to call multiple times - subsequent calls are ignored.
//
// Thread safety:
// sync.Once provides the necessary memory barriers to ensure the registry
// write is visible to all subsequent reads.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the global Prometheus registry, or nil when
// InitRegistry has not been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
func IsEnabled() bool {
	return GetRegistry() != nil
}
