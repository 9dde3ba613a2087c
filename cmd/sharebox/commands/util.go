package commands

import (
	"fmt"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/config"
	"github.com/spf13/cobra"
)

// InitLogger initializes the logger from configuration.
func InitLogger(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadConfig loads the configuration and applies the --root, --port and
// --address flags when the command defines them and they were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Server.Root, _ = flags.GetString("root")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("address") {
		cfg.Server.Address, _ = flags.GetString("address")
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// getConfigSource returns a description of where the config was loaded from
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.ConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
