package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for posguard.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("posguard")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POSGUARD_BACKEND_URL
	viper.SetEnvPrefix("POSGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for posguard.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".posguard"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "posguard"))
		}
	} else {
		paths = append(paths, "/etc/posguard")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for posguard.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "posguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys are the scalar keys overridable from the environment.
// Example: POSGUARD_SERVER_HTTP_ADDR overrides server.http_addr.
var envKeys = []string{
	"server.http_addr",
	"server.tls_cert",
	"server.tls_key",
	"log.level",
	"log.format",
	"backend.url",
	"backend.anon_key",
	"backend.timeout",
	"csrf.header_name",
	"csrf.lifetime",
	"csrf.refresh_interval",
	"csrf.cookie_name",
	"csrf.cookie_domain",
	"logger.storage",
	"logger.quota_bytes",
	"logger.max_logs",
	"logger.max_threats",
	"logger.max_failed_auth",
	"logger.origin_url",
	"pipeline.scan_writes",
	"pipeline.slow_threshold",
	"pipeline.frequency_threshold",
	"monitor.security_interval",
	"monitor.timeout_interval",
	"monitor.inactivity_timeout",
	"monitor.alert_cooldown",
	"sink.stdout",
	"sink.channel_size",
	"sink.batch_size",
	"sink.flush_interval",
	"sink.send_timeout",
	"sink.http.url",
	"sink.http.token",
	"sink.http.rate_per_second",
	"sink.http.burst",
	"sink.amqp.url",
	"sink.amqp.exchange",
	"policy.scope_expression",
	"policy.report_uri",
	"policy.client_version",
	"admin.username",
	"admin.password_hash",
	"telemetry.enabled",
	"telemetry.service_name",
	"telemetry.metric_interval",
	"dev_mode",
	// rate_limit.limits is a map, set it in the config file
}

// bindNestedEnvKeys binds all config keys for environment variable support.
func bindNestedEnvKeys() {
	for _, k := range envKeys {
		_ = viper.BindEnv(k)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
