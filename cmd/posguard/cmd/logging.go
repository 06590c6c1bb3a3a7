package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Sentinel-Gate/posguard/internal/config"
)

// parseLogLevel maps a config level to slog. Unknown values mean info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. Output goes to w (stderr in
// practice) so stdout stays free for the stdout sink and exports.
func newLogger(w io.Writer, level, format string, devMode bool) *slog.Logger {
	lvl := parseLogLevel(level)
	if devMode {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig loads and validates configuration, letting --dev override the
// file before dev defaults are applied.
func loadConfig(dev bool) (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dev {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
