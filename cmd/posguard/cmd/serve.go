package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/telemetry"
	"github.com/Sentinel-Gate/posguard/internal/config"
	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the security layer and its status server",
	Long: `Run the posguard security layer.

The process keeps the CSRF token fresh, runs the session monitor, forwards
critical events to the configured sinks and serves the status endpoints:

  GET  /health          component health
  GET  /metrics         Prometheus metrics
  POST /csp-report      browser policy violation reports
  GET  /api/dashboard   security dashboard (admin)
  GET  /api/export      security log export (admin)
  POST /api/logout      end the current session (admin)

Examples:
  # Start with config file settings
  posguard serve

  # Start against a local backend with verbose logging
  posguard serve --dev

  # Start with a specific config file
  posguard --config /path/to/posguard.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, local backend, stdout sink)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(devMode)
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C kills.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, cfg.DevMode)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	providers, err := telemetry.Setup(telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		Version:        Version,
		MetricInterval: config.Duration(cfg.Telemetry.MetricInterval, time.Minute),
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	providers.Install()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	a, err := newApp(cfg, logger, clock.System{})
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.stop()
		return err
	}
	logger.Info("posguard started",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"backend", cfg.Backend.URL,
		"storage", cfg.Logger.Storage,
		"admin_api", cfg.HasAdmin(),
	)

	serveErr := a.server.Start(ctx)
	if err := a.stop(); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("status server: %w", serveErr)
	}

	logger.Info("posguard stopped")
	return nil
}
