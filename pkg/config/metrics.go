package config

import (
	"github.com/marmos91/sharebox/pkg/metrics"
	promMetrics "github.com/marmos91/sharebox/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// ShareboxMetrics is the collector for the adapter (never nil, uses noop if disabled)
	ShareboxMetrics metrics.ShareboxMetrics

	// SharingMetrics is the collector for the sharing registry (never nil)
	SharingMetrics metrics.StoreMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Collectors register on the global registry, so call this once per process.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			ShareboxMetrics: metrics.NewNoopShareboxMetrics(),
			SharingMetrics:  metrics.NewNoopStoreMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:          server,
		ShareboxMetrics: promMetrics.NewShareboxMetrics(),
		SharingMetrics:  metrics.NewStoreMetrics("sharing", cfg.Sharing.Type),
	}
}
