// Package config provides configuration types for posguard.
//
// Configuration comes from posguard.yaml, POSGUARD_* environment variables
// and an optional .env file, in increasing order of precedence for the
// environment. Durations are strings in time.ParseDuration syntax.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the status HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Log configures process logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Backend configures the data API the client talks to.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// CSRF configures the anti-forgery token.
	CSRF CSRFConfig `yaml:"csrf" mapstructure:"csrf"`

	// RateLimit configures per-category limits.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Logger configures the security event log.
	Logger SecurityLogConfig `yaml:"logger" mapstructure:"logger"`

	// Pipeline configures the call interception pipeline.
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`

	// Monitor configures the periodic session monitor.
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`

	// Sink configures remote forwarding of critical events.
	Sink SinkConfig `yaml:"sink" mapstructure:"sink"`

	// Policy configures scope rules and response headers.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Admin configures credentials for the /api endpoints.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (verbose logging, local backend).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8090".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"omitempty,file"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"omitempty,file"`
}

// LogConfig configures slog output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	// Format is "text" or "json". Defaults to "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// BackendConfig configures the backend-as-a-service data API.
type BackendConfig struct {
	// URL is the project base URL (e.g., "https://xyz.example.co").
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
	// AnonKey is the public API key sent with every request.
	AnonKey string `yaml:"anon_key" mapstructure:"anon_key" validate:"required"`
	// Timeout bounds each request. Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// CSRFConfig configures the anti-forgery token.
type CSRFConfig struct {
	// HeaderName carries the token on state-changing requests. Defaults to "X-CSRF-Token".
	HeaderName string `yaml:"header_name" mapstructure:"header_name"`
	// Lifetime is how long a token stays valid. Defaults to "1h".
	Lifetime string `yaml:"lifetime" mapstructure:"lifetime" validate:"omitempty,duration"`
	// RefreshInterval is the background rotation period. Defaults to "30m".
	RefreshInterval string `yaml:"refresh_interval" mapstructure:"refresh_interval" validate:"omitempty,duration"`
	// CookieName names the mirror cookie. Defaults to "posguard_csrf".
	CookieName string `yaml:"cookie_name" mapstructure:"cookie_name"`
	// CookieDomain scopes the mirror cookie. Empty means host-only.
	CookieDomain string `yaml:"cookie_domain" mapstructure:"cookie_domain"`
}

// RateLimitConfig configures per-category limits.
type RateLimitConfig struct {
	// Limits overrides the per-minute limit of a category. Unlisted
	// categories keep their defaults.
	Limits map[string]int `yaml:"limits" mapstructure:"limits" validate:"omitempty,dive,keys,oneof=auth api_read api_write export search default,endkeys,min=1"`
}

// SecurityLogConfig configures the rolling security event log.
type SecurityLogConfig struct {
	// Storage is "memory", "file://<absolute-path>" or
	// "sqlite://<absolute-path>" ("sqlite://:memory:" for tests).
	// Defaults to "memory".
	Storage string `yaml:"storage" mapstructure:"storage" validate:"required,storage_url"`
	// QuotaBytes caps the persisted snapshot for file storage. Defaults to 5 MiB.
	QuotaBytes int `yaml:"quota_bytes" mapstructure:"quota_bytes" validate:"omitempty,min=1024"`
	// MaxLogs, MaxThreats and MaxFailedAuth bound the retained lists.
	MaxLogs       int `yaml:"max_logs" mapstructure:"max_logs" validate:"omitempty,min=1"`
	MaxThreats    int `yaml:"max_threats" mapstructure:"max_threats" validate:"omitempty,min=1"`
	MaxFailedAuth int `yaml:"max_failed_auth" mapstructure:"max_failed_auth" validate:"omitempty,min=1"`
	// OriginURL is stamped on every entry. Defaults to the backend URL.
	OriginURL string `yaml:"origin_url" mapstructure:"origin_url" validate:"omitempty,url"`
}

// PipelineConfig configures the interception pipeline.
type PipelineConfig struct {
	// ScanWrites runs the suspicious-input scan on writes too. Default false.
	ScanWrites bool `yaml:"scan_writes" mapstructure:"scan_writes"`
	// SafeOperations are read operations exempt from the input scan.
	SafeOperations []string `yaml:"safe_operations" mapstructure:"safe_operations"`
	// SlowThreshold marks calls slower than this as SLOW_OPERATION. Defaults to "5s".
	SlowThreshold string `yaml:"slow_threshold" mapstructure:"slow_threshold" validate:"omitempty,duration"`
	// FrequencyThreshold is the tolerated repeats per 10s. Defaults to 20.
	FrequencyThreshold int `yaml:"frequency_threshold" mapstructure:"frequency_threshold" validate:"omitempty,min=1"`
}

// MonitorConfig configures the session monitor loops.
type MonitorConfig struct {
	// SecurityInterval defaults to "5s".
	SecurityInterval string `yaml:"security_interval" mapstructure:"security_interval" validate:"omitempty,duration"`
	// TimeoutInterval defaults to "60s".
	TimeoutInterval string `yaml:"timeout_interval" mapstructure:"timeout_interval" validate:"omitempty,duration"`
	// InactivityTimeout defaults to "30m".
	InactivityTimeout string `yaml:"inactivity_timeout" mapstructure:"inactivity_timeout" validate:"omitempty,duration"`
	// AlertCooldown suppresses repeated volume and burst alerts. Defaults to "60s".
	AlertCooldown string `yaml:"alert_cooldown" mapstructure:"alert_cooldown" validate:"omitempty,duration"`
}

// SinkConfig configures remote forwarding of critical events. Any number of
// sinks may be enabled; events fan out to all of them.
type SinkConfig struct {
	HTTP HTTPSinkConfig `yaml:"http" mapstructure:"http"`
	AMQP AMQPSinkConfig `yaml:"amqp" mapstructure:"amqp"`
	// Stdout writes events as JSON lines to standard output.
	Stdout bool `yaml:"stdout" mapstructure:"stdout"`

	// ChannelSize is the forwarding queue capacity. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// BatchSize defaults to 50.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
	// SendTimeout bounds each delivery. Defaults to "5s".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
}

// HTTPSinkConfig posts events to a monitoring endpoint.
type HTTPSinkConfig struct {
	URL   string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Token string `yaml:"token" mapstructure:"token"`
	// RatePerSecond and Burst throttle deliveries. Default 5/s, burst 20.
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second" validate:"omitempty,gt=0"`
	Burst         int     `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`
}

// AMQPSinkConfig publishes events to a topic exchange.
type AMQPSinkConfig struct {
	URL      string `yaml:"url" mapstructure:"url" validate:"omitempty,amqp_url"`
	Exchange string `yaml:"exchange" mapstructure:"exchange"`
}

// PolicyConfig configures data scoping and response headers.
type PolicyConfig struct {
	// ScopeExpression is a CEL expression over role, assigned_store,
	// target_store and operation. Empty uses the built-in worker rule.
	ScopeExpression string `yaml:"scope_expression" mapstructure:"scope_expression" validate:"omitempty,max=1024"`
	// ReportURI receives CSP violation reports. Defaults to "/csp-report".
	ReportURI string `yaml:"report_uri" mapstructure:"report_uri"`
	// ClientVersion is sent as X-Client-Version.
	ClientVersion string `yaml:"client_version" mapstructure:"client_version"`
}

// AdminConfig configures basic auth for the /api endpoints.
type AdminConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	// PasswordHash is an Argon2id hash; generate with `posguard hash-password`.
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash" validate:"omitempty,startswith=$argon2id$"`
}

// TelemetryConfig configures OpenTelemetry export to stdout.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string `yaml:"service_name" mapstructure:"service_name"`
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Log.Level = "debug"
	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:54321"
	}
	if c.Backend.AnonKey == "" {
		c.Backend.AnonKey = "dev-anon-key"
	}
	if !viper.IsSet("sink.stdout") {
		c.Sink.Stdout = true
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only. Network access must be configured explicitly.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "30s"
	}

	if c.CSRF.HeaderName == "" {
		c.CSRF.HeaderName = "X-CSRF-Token"
	}
	if c.CSRF.Lifetime == "" {
		c.CSRF.Lifetime = "1h"
	}
	if c.CSRF.RefreshInterval == "" {
		c.CSRF.RefreshInterval = "30m"
	}
	if c.CSRF.CookieName == "" {
		c.CSRF.CookieName = "posguard_csrf"
	}

	if c.Logger.Storage == "" {
		c.Logger.Storage = "memory"
	}
	if c.Logger.QuotaBytes == 0 {
		c.Logger.QuotaBytes = 5 << 20
	}
	if c.Logger.MaxLogs == 0 {
		c.Logger.MaxLogs = 1000
	}
	if c.Logger.MaxThreats == 0 {
		c.Logger.MaxThreats = 100
	}
	if c.Logger.MaxFailedAuth == 0 {
		c.Logger.MaxFailedAuth = 200
	}

	if c.Pipeline.SlowThreshold == "" {
		c.Pipeline.SlowThreshold = "5s"
	}
	if c.Pipeline.FrequencyThreshold == 0 {
		c.Pipeline.FrequencyThreshold = 20
	}

	if c.Monitor.SecurityInterval == "" {
		c.Monitor.SecurityInterval = "5s"
	}
	if c.Monitor.TimeoutInterval == "" {
		c.Monitor.TimeoutInterval = "60s"
	}
	if c.Monitor.InactivityTimeout == "" {
		c.Monitor.InactivityTimeout = "30m"
	}
	if c.Monitor.AlertCooldown == "" {
		c.Monitor.AlertCooldown = "60s"
	}

	if c.Sink.ChannelSize == 0 {
		c.Sink.ChannelSize = 1000
	}
	if c.Sink.BatchSize == 0 {
		c.Sink.BatchSize = 50
	}
	if c.Sink.FlushInterval == "" {
		c.Sink.FlushInterval = "1s"
	}
	if c.Sink.SendTimeout == "" {
		c.Sink.SendTimeout = "5s"
	}
	if c.Sink.HTTP.RatePerSecond == 0 {
		c.Sink.HTTP.RatePerSecond = 5
	}
	if c.Sink.HTTP.Burst == 0 {
		c.Sink.HTTP.Burst = 20
	}
	if c.Sink.AMQP.Exchange == "" {
		c.Sink.AMQP.Exchange = "posguard.security"
	}

	if c.Policy.ReportURI == "" {
		c.Policy.ReportURI = "/csp-report"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "posguard"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "60s"
	}
}

// Duration parses a validated duration string, returning fallback when it
// is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// StorageKind identifies a security log storage backend.
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageFile   StorageKind = "file"
	StorageSQLite StorageKind = "sqlite"
)

// ParseStorage splits a storage URL into its kind and location. It returns
// ok=false for malformed values.
func ParseStorage(s string) (kind StorageKind, location string, ok bool) {
	switch {
	case s == "memory":
		return StorageMemory, "", true
	case strings.HasPrefix(s, "file://"):
		p := strings.TrimPrefix(s, "file://")
		return StorageFile, p, p != "" && filepath.IsAbs(p)
	case strings.HasPrefix(s, "sqlite://"):
		p := strings.TrimPrefix(s, "sqlite://")
		return StorageSQLite, p, p == ":memory:" || (p != "" && filepath.IsAbs(p))
	default:
		return "", "", false
	}
}

// DefaultStatePath returns the default location for file storage.
func DefaultStatePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".posguard", "security-log.json")
	}
	return filepath.Join(os.TempDir(), "posguard-security-log.json")
}
