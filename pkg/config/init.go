package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a sample configuration to the default location.
//
// Returns the path of the written file. Fails with an "already exists"
// error when a config is present and force is false.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// configSection pairs a top-level key with the comment written above it.
type configSection struct {
	key     string
	comment string
	value   any
}

// generateYAMLWithComments renders cfg as YAML with a comment block above
// every top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	sections := []configSection{
		{
			key:     "logging",
			comment: "Log level (DEBUG, INFO, WARN, ERROR) and output (stdout, stderr or a file path)",
			value:   cfg.Logging,
		},
		{
			key: "server",
			comment: "Listener and session limits. root holds one directory per user plus share.txt.\n" +
				"An empty address binds the first non-loopback IPv4 address.",
			value: cfg.Server,
		},
		{
			key: "storage",
			comment: "File storage backend: filesystem (under server.root) or s3.\n" +
				"s3 keys: region, bucket, key_prefix, endpoint, access_key_id, secret_access_key",
			value: cfg.Storage,
		},
		{
			key: "sharing",
			comment: "Sharing registry backend: flatfile (server.root/share.txt) or badger.\n" +
				"badger keys: db_path, in_memory",
			value: cfg.Sharing,
		},
		{
			key:     "transfer",
			comment: "Upload chunk size in bytes and aggregate bandwidth limit in bytes/s (0 = unlimited)",
			value:   cfg.Transfer,
		},
		{
			key:     "metrics",
			comment: "Prometheus endpoint served at http://<host>:<port>/metrics",
			value:   cfg.Metrics,
		},
	}

	var b strings.Builder
	b.WriteString("# Sharebox Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Every value can be overridden with a SHAREBOX_<SECTION>_<KEY> environment variable,\n")
	b.WriteString("# for example SHAREBOX_SERVER_PORT=9000.\n")

	for _, s := range sections {
		body, err := yaml.Marshal(map[string]any{s.key: s.value})
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s section: %w", s.key, err)
		}

		b.WriteString("\n")
		for _, line := range strings.Split(s.comment, "\n") {
			b.WriteString("# " + line + "\n")
		}
		b.Write(body)
	}

	return b.String(), nil
}
