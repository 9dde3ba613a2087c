package config

import (
	"strings"
	"time"
)

// Default values applied by ApplyDefaults.
const (
	DefaultPort              = 8888
	DefaultRoot              = "./sharebox-data"
	DefaultKeepalivePeriod   = 30 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultMaxUsernameLength = 255
	DefaultMaxFieldLength    = 4096
	DefaultChunkSize         = 8192
	DefaultMetricsPort       = 9090
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applySharingDefaults(&cfg.Sharing)
	applyTransferDefaults(&cfg.Transfer)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	// MaxConnections defaults to 0 (unlimited)
	if cfg.KeepalivePeriod == 0 {
		cfg.KeepalivePeriod = DefaultKeepalivePeriod
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxUsernameLength == 0 {
		cfg.MaxUsernameLength = DefaultMaxUsernameLength
	}
	if cfg.MaxFieldLength == 0 {
		cfg.MaxFieldLength = DefaultMaxFieldLength
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

func applySharingDefaults(cfg *SharingConfig) {
	if cfg.Type == "" {
		cfg.Type = "flatfile"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

func applyTransferDefaults(cfg *TransferConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	// BandwidthLimit defaults to 0 (unlimited)
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
