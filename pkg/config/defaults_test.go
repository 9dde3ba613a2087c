package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Empty(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Root != DefaultRoot {
		t.Errorf("Expected root %q, got %q", DefaultRoot, cfg.Server.Root)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("Expected port 8888, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxUsernameLength != 255 {
		t.Errorf("Expected max username length 255, got %d", cfg.Server.MaxUsernameLength)
	}
	if cfg.Server.MaxFieldLength != 4096 {
		t.Errorf("Expected max field length 4096, got %d", cfg.Server.MaxFieldLength)
	}
	if cfg.Server.KeepalivePeriod != 30*time.Second {
		t.Errorf("Expected keepalive 30s, got %v", cfg.Server.KeepalivePeriod)
	}
	if cfg.Server.MaxConnections != 0 {
		t.Errorf("Expected unlimited connections, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Storage.Type != "filesystem" || cfg.Storage.S3 == nil {
		t.Errorf("Expected filesystem storage with initialized s3 map, got %+v", cfg.Storage)
	}
	if cfg.Sharing.Type != "flatfile" || cfg.Sharing.Badger == nil {
		t.Errorf("Expected flatfile sharing with initialized badger map, got %+v", cfg.Sharing)
	}
	if cfg.Transfer.BandwidthLimit != 0 {
		t.Errorf("Expected unlimited bandwidth, got %d", cfg.Transfer.BandwidthLimit)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Output: "stderr"},
		Server: ServerConfig{
			Root:            "/data",
			Port:            9999,
			KeepalivePeriod: -1,
			ShutdownTimeout: time.Second,
		},
		Transfer: TransferConfig{ChunkSize: 1024, BandwidthLimit: 1 << 20},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level normalized to WARN, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected stderr output preserved, got %q", cfg.Logging.Output)
	}
	if cfg.Server.Root != "/data" || cfg.Server.Port != 9999 {
		t.Errorf("Expected explicit server values preserved, got %+v", cfg.Server)
	}
	if cfg.Server.KeepalivePeriod != -1 {
		t.Errorf("Expected negative keepalive preserved, got %v", cfg.Server.KeepalivePeriod)
	}
	if cfg.Server.ShutdownTimeout != time.Second {
		t.Errorf("Expected shutdown timeout preserved, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Transfer.ChunkSize != 1024 || cfg.Transfer.BandwidthLimit != 1<<20 {
		t.Errorf("Expected explicit transfer values preserved, got %+v", cfg.Transfer)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}
