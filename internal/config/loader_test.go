package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// Loader tests share the global viper instance and the process
// environment, so they do not run in parallel.

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "posguard.yaml")
	yaml := `
backend:
  url: https://pos.example.co
  anon_key: anon
rate_limit:
  limits:
    auth: 3
pipeline:
  scan_writes: true
logger:
  storage: sqlite://:memory:
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSGUARD_SERVER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("POSGUARD_MONITOR_INACTIVITY_TIMEOUT", "10m")

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Backend.URL != "https://pos.example.co" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.RateLimit.Limits["auth"] != 3 {
		t.Errorf("auth limit = %d", cfg.RateLimit.Limits["auth"])
	}
	if !cfg.Pipeline.ScanWrites {
		t.Error("scan_writes not loaded")
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("env override HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Monitor.InactivityTimeout != "10m" {
		t.Errorf("env override InactivityTimeout = %q", cfg.Monitor.InactivityTimeout)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q", ConfigFileUsed())
	}
}

func TestLoadConfig_ValidationError(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "posguard.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	InitViper(path)
	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("LoadConfig() error = %v", err)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	resetViper(t)

	InitViper(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadConfigRaw(); err == nil {
		t.Error("LoadConfigRaw() should fail for an explicit missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("POSGUARD_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSGUARD_TEST_DOTENV", "")
	_ = os.Unsetenv("POSGUARD_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv() error: %v", err)
	}
	if got := os.Getenv("POSGUARD_TEST_DOTENV"); got != "from-file" {
		t.Errorf("POSGUARD_TEST_DOTENV = %q", got)
	}
}
