package config

import (
	"time"

	"github.com/marmos91/sharebox/pkg/adapter/sharebox"
	"github.com/marmos91/sharebox/pkg/server"
	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/marmos91/sharebox/pkg/store"
	"github.com/marmos91/sharebox/pkg/transfer"
)

// AdapterConfig builds the protocol adapter settings from the configuration.
func AdapterConfig(cfg *Config) sharebox.Config {
	return sharebox.Config{
		Address:           cfg.Server.Address,
		Port:              cfg.Server.Port,
		MaxConnections:    cfg.Server.MaxConnections,
		KeepalivePeriod:   cfg.Server.KeepalivePeriod,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxUsernameLength: cfg.Server.MaxUsernameLength,
		MaxFieldLength:    cfg.Server.MaxFieldLength,
		Transfer: transfer.Config{
			ChunkSize:      cfg.Transfer.ChunkSize,
			BandwidthLimit: cfg.Transfer.BandwidthLimit,
		},
	}
}

// CreateServer wires the stores and metrics built from cfg into a stopped
// ShareboxServer.
//
// Parameters:
//   - cfg: The complete sharebox configuration
//   - files: File store from CreateFileStore
//   - shares: Sharing registry from CreateSharingStore
//   - m: Metrics from InitializeMetrics (nil disables metrics)
func CreateServer(cfg *Config, files store.FileStore, shares sharing.Store, m *MetricsResult) *server.ShareboxServer {
	deps := server.Deps{
		Files:  files,
		Shares: shares,
	}
	if m != nil {
		deps.Metrics = m.ShareboxMetrics
		deps.MetricsServer = m.Server
	}

	return server.New(server.Options{
		Adapter: AdapterConfig(cfg),
		StopTimeout: cfg.Server.ShutdownTimeout + 5*time.Second,
	}, deps)
}
