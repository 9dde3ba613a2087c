package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/config"
	"github.com/spf13/cobra"
)

var startConsole bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sharebox server",
	Long: `Start the sharebox server with the specified configuration.

Flags override the matching configuration keys. With --console the server is
controlled from an interactive prompt that accepts start, stop, status and
quit; otherwise it starts immediately and runs until interrupted.

Examples:
  # Start with the default config location
  sharebox start

  # Serve ./data on port 9000 with the interactive console
  sharebox start --root ./data --port 9000 --console

  # Start with environment variable overrides
  SHAREBOX_LOGGING_LEVEL=DEBUG sharebox start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("root", "", "Directory holding user files and share.txt (overrides server.root)")
	startCmd.Flags().Int("port", 0, "TCP port to listen on (overrides server.port)")
	startCmd.Flags().String("address", "", "IPv4 address to bind (overrides server.address)")
	startCmd.Flags().BoolVar(&startConsole, "console", false, "Control the server from an interactive console")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	// SIGINT/SIGTERM stop the server without asking for confirmation
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded from %s", getConfigSource(GetConfigFile()))
	logger.Info("Root directory: %s", cfg.Server.Root)

	// Metrics first so the stores are created with live collectors
	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		logger.Info("Metrics enabled on port %d", cfg.Metrics.Port)
	}

	files, err := config.CreateFileStore(ctx, cfg)
	if err != nil {
		return err
	}
	shares, err := config.CreateSharingStore(ctx, cfg, metricsResult.SharingMetrics)
	if err != nil {
		_ = files.Close()
		return err
	}
	logger.Info("Storage: %s, sharing registry: %s", cfg.Storage.Type, cfg.Sharing.Type)

	srv := config.CreateServer(cfg, files, shares, metricsResult)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			logger.Error("Shutdown error: %v", err)
		}
	}()

	if startConsole {
		console := NewConsole(srv, os.Stdin, cmd.OutOrStdout(), confirmStop)
		return console.Run(ctx)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("Server is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping server")
	return nil
}
