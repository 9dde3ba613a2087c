package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete sharebox configuration.
//
// This structure captures all configurable aspects of the server including:
//   - Logging configuration
//   - Listener and session limits
//   - File storage backend selection (backend-specific options as a map)
//   - Sharing registry backend selection
//   - Transfer chunking and bandwidth limits
//   - Prometheus metrics
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SHAREBOX_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the listener and session settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage selects where user files are kept
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Sharing selects the sharing registry backend
	Sharing SharingConfig `mapstructure:"sharing" yaml:"sharing"`

	// Transfer controls payload chunking and throttling
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains the listener and session settings.
type ServerConfig struct {
	// Root is the directory holding one subdirectory per user and share.txt
	Root string `mapstructure:"root" yaml:"root" validate:"required"`

	// Address is the IPv4 address to bind. Empty picks the first
	// non-loopback interface address, falling back to 127.0.0.1.
	Address string `mapstructure:"address" yaml:"address" validate:"omitempty,ip"`

	// Port is the TCP port to listen on
	Port int `mapstructure:"port" yaml:"port" validate:"required,gt=0,lte=65535"`

	// MaxConnections limits concurrent sessions. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`

	// KeepalivePeriod is the TCP keep-alive interval. Negative disables it.
	KeepalivePeriod time.Duration `mapstructure:"keepalive_period" yaml:"keepalive_period"`

	// ShutdownTimeout is the maximum time to wait for sessions to exit on stop
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// MaxUsernameLength bounds the handshake username frame
	MaxUsernameLength int `mapstructure:"max_username_length" yaml:"max_username_length" validate:"required,gt=0,lte=4096"`

	// MaxFieldLength bounds every other string field of a request
	MaxFieldLength int `mapstructure:"max_field_length" yaml:"max_field_length" validate:"required,gt=0"`
}

// StorageConfig specifies the file storage backend.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StorageConfig struct {
	// Type specifies which file store implementation to use
	// Valid values: filesystem, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=filesystem s3"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// SharingConfig specifies the sharing registry backend.
type SharingConfig struct {
	// Type specifies which registry implementation to use
	// Valid values: flatfile, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=flatfile badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// TransferConfig controls payload transfers.
type TransferConfig struct {
	// ChunkSize is the upload read size in bytes
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size" validate:"required,gte=512,lte=16777216"`

	// BandwidthLimit caps aggregate payload throughput in bytes per second.
	// 0 means unlimited.
	BandwidthLimit uint `mapstructure:"bandwidth_limit" yaml:"bandwidth_limit"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,gt=0,lte=65535"`
}

// envKeys lists the scalar keys that can be set from SHAREBOX_* variables
// even when the config file does not mention them.
var envKeys = []string{
	"logging.level",
	"logging.output",
	"server.root",
	"server.address",
	"server.port",
	"server.max_connections",
	"server.keepalive_period",
	"server.shutdown_timeout",
	"server.max_username_length",
	"server.max_field_length",
	"storage.type",
	"sharing.type",
	"transfer.chunk_size",
	"transfer.bandwidth_limit",
	"metrics.enabled",
	"metrics.port",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SHAREBOX_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) error {
	// Example: SHAREBOX_SERVER_PORT=9000
	v.SetEnvPrefix("SHAREBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/sharebox/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return nil
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable - use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sharebox")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "sharebox")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
