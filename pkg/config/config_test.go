package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "info"

server:
  root: "/srv/sharebox"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level normalized to 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.Root != "/srv/sharebox" {
		t.Errorf("Expected root from file, got %q", cfg.Server.Root)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Sharing.Type != "flatfile" {
		t.Errorf("Expected default sharing type 'flatfile', got %q", cfg.Sharing.Type)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A path inside a temp dir keeps the user's own config out of the test
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Storage.Type != "filesystem" {
		t.Errorf("Expected default storage type 'filesystem', got %q", cfg.Storage.Type)
	}
	if cfg.Transfer.ChunkSize != 8192 {
		t.Errorf("Expected default chunk size 8192, got %d", cfg.Transfer.ChunkSize)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_DurationsFromStrings(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
server:
  keepalive_period: 15s
  shutdown_timeout: 2m
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.KeepalivePeriod != 15*time.Second {
		t.Errorf("Expected keepalive 15s, got %v", cfg.Server.KeepalivePeriod)
	}
	if cfg.Server.ShutdownTimeout != 2*time.Minute {
		t.Errorf("Expected shutdown timeout 2m, got %v", cfg.Server.ShutdownTimeout)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
server:
  port: 7000
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("SHAREBOX_SERVER_PORT", "7100")
	t.Setenv("SHAREBOX_LOGGING_LEVEL", "debug")
	t.Setenv("SHAREBOX_SHARING_TYPE", "badger")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 7100 {
		t.Errorf("Expected env port 7100, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Sharing.Type != "badger" {
		t.Errorf("Expected env sharing type badger, got %q", cfg.Sharing.Type)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
storage:
  type: "ftp"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected validation error for unknown storage type")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestLoad_S3Options(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
storage:
  type: s3
  s3:
    region: us-east-1
    bucket: sharebox
    key_prefix: files/
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Storage.S3["bucket"] != "sharebox" {
		t.Errorf("Expected bucket 'sharebox', got %v", cfg.Storage.S3["bucket"])
	}
	if cfg.Storage.S3["key_prefix"] != "files/" {
		t.Errorf("Expected key_prefix 'files/', got %v", cfg.Storage.S3["key_prefix"])
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if got := GetConfigDir(); got != filepath.Join(xdg, "sharebox") {
		t.Errorf("Expected XDG config dir, got %q", got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(xdg, "sharebox", "config.yaml") {
		t.Errorf("Expected default config path under XDG, got %q", got)
	}
	if ConfigExists() {
		t.Error("Expected no config in a fresh XDG dir")
	}
}
