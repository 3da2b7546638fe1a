// ABOUTME: Configuration loading and parsing for coven-biogate
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, BIOGATE_* overrides and duration parsing

package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-biogate configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Preferences  PreferencesConfig  `yaml:"preferences" toml:"preferences"`
	Session      SessionConfig      `yaml:"session" toml:"session"`
	Verification VerificationConfig `yaml:"verification" toml:"verification"`
	Crypto       CryptoConfig       `yaml:"crypto" toml:"crypto"`
	WebAuthn     WebAuthnConfig     `yaml:"webauthn" toml:"webauthn"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"BIOGATE_GRPC_ADDR"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"BIOGATE_HTTP_ADDR"`
	// BaseURL is the external URL users open for the verification page. It
	// also fixes the WebAuthn relying party ID.
	BaseURL string `yaml:"base_url" toml:"base_url" env:"BIOGATE_BASE_URL"`
	// RequireClientToken guards /api with client bearer tokens.
	RequireClientToken bool `yaml:"require_client_token" toml:"require_client_token" env:"BIOGATE_REQUIRE_CLIENT_TOKEN"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"BIOGATE_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"BIOGATE_TAILSCALE_HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"BIOGATE_TAILSCALE_AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // tailnet-only TLS using Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS for the verification page
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"BIOGATE_DB_PATH"`
}

// PreferencesConfig selects where last-auth times are kept
type PreferencesConfig struct {
	Backend     string `yaml:"backend" toml:"backend" env:"BIOGATE_PREFERENCES_BACKEND"` // "sqlite" (default) or "redis"
	RedisURL    string `yaml:"redis_url" toml:"redis_url" env:"BIOGATE_REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`

	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// SessionConfig holds verified-session timing
type SessionConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TTLRaw           string `yaml:"ttl" toml:"ttl" env:"BIOGATE_SESSION_TTL"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// VerificationConfig holds verification attempt timing
type VerificationConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout" env:"BIOGATE_VERIFICATION_TIMEOUT"`
}

// ScopeConfig is the lease policy for one operation scope
type ScopeConfig struct {
	Mode   string        `yaml:"mode" toml:"mode"` // "single_use" or "timed"
	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// CryptoConfig holds lease and key vault configuration
type CryptoConfig struct {
	LeaseSecret string `yaml:"lease_secret" toml:"lease_secret" env:"BIOGATE_LEASE_SECRET"`
	// MasterKey is base64 and decodes to at least 32 bytes.
	MasterKey string `yaml:"master_key" toml:"master_key" env:"BIOGATE_MASTER_KEY"`

	BindWindow    time.Duration `yaml:"-" toml:"-"`
	BindWindowRaw string        `yaml:"bind_window" toml:"bind_window" env:"BIOGATE_BIND_WINDOW"`

	DefaultScope ScopeConfig            `yaml:"default_scope" toml:"default_scope"`
	Scopes       map[string]ScopeConfig `yaml:"scopes" toml:"scopes"`
}

// WebAuthnConfig holds the WebAuthn source configuration
type WebAuthnConfig struct {
	DisplayName string `yaml:"display_name" toml:"display_name"`
	MaxFailures int    `yaml:"max_failures" toml:"max_failures"`

	ChallengeTTL    time.Duration `yaml:"-" toml:"-"`
	ChallengeTTLRaw string        `yaml:"challenge_ttl" toml:"challenge_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"BIOGATE_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"BIOGATE_LOG_FORMAT"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"BIOGATE_OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then BIOGATE_*
// variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset raw values.
func (c *Config) applyDefaults() {
	if c.Preferences.Backend == "" {
		c.Preferences.Backend = "sqlite"
	}
	if c.Preferences.RetentionRaw == "" {
		c.Preferences.RetentionRaw = "720h"
	}
	if c.Session.TTLRaw == "" {
		c.Session.TTLRaw = "5m"
	}
	if c.Session.SweepIntervalRaw == "" {
		c.Session.SweepIntervalRaw = "5s"
	}
	if c.Verification.TimeoutRaw == "" {
		c.Verification.TimeoutRaw = "2m"
	}
	if c.Crypto.BindWindowRaw == "" {
		c.Crypto.BindWindowRaw = "30s"
	}
	if c.Crypto.DefaultScope.Mode == "" {
		c.Crypto.DefaultScope.Mode = "single_use"
	}
	if c.WebAuthn.MaxFailures == 0 {
		c.WebAuthn.MaxFailures = 5
	}
	if c.WebAuthn.ChallengeTTLRaw == "" {
		c.WebAuthn.ChallengeTTLRaw = "2m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "coven-biogate"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil {
			return fmt.Errorf("server.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server.base_url must use http or https scheme")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Preferences.Backend {
	case "sqlite":
	case "redis":
		if c.Preferences.RedisURL == "" {
			return fmt.Errorf("preferences.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("preferences.backend must be sqlite or redis, got %q", c.Preferences.Backend)
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	if c.Verification.Timeout < 0 {
		return fmt.Errorf("verification.timeout must not be negative")
	}

	if c.Crypto.LeaseSecret == "" {
		return fmt.Errorf("crypto.lease_secret is required")
	}
	if len(c.Crypto.LeaseSecret) < 32 {
		return fmt.Errorf("crypto.lease_secret must be at least 32 characters")
	}
	if _, err := c.Crypto.MasterKeyBytes(); err != nil {
		return err
	}
	if c.Crypto.BindWindow <= 0 {
		return fmt.Errorf("crypto.bind_window must be positive")
	}
	if c.Crypto.BindWindow > c.Session.TTL {
		return fmt.Errorf("crypto.bind_window (%s) must not exceed session.ttl (%s)", c.Crypto.BindWindow, c.Session.TTL)
	}
	if err := validateScope("crypto.default_scope", c.Crypto.DefaultScope); err != nil {
		return err
	}
	for name, sc := range c.Crypto.Scopes {
		if err := validateScope("crypto.scopes."+name, sc); err != nil {
			return err
		}
	}

	if c.WebAuthn.MaxFailures < 1 {
		return fmt.Errorf("webauthn.max_failures must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	return nil
}

func validateScope(field string, sc ScopeConfig) error {
	switch sc.Mode {
	case "single_use":
		return nil
	case "timed":
		if sc.TTL <= 0 {
			return fmt.Errorf("%s.ttl must be positive for timed leases", field)
		}
		return nil
	default:
		return fmt.Errorf("%s.mode must be single_use or timed, got %q", field, sc.Mode)
	}
}

// MasterKeyBytes decodes the base64 master key.
func (c CryptoConfig) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, fmt.Errorf("crypto.master_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("crypto.master_key is not valid base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("crypto.master_key must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"preferences.retention", cfg.Preferences.RetentionRaw, &cfg.Preferences.Retention},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
		{"session.sweep_interval", cfg.Session.SweepIntervalRaw, &cfg.Session.SweepInterval},
		{"verification.timeout", cfg.Verification.TimeoutRaw, &cfg.Verification.Timeout},
		{"crypto.bind_window", cfg.Crypto.BindWindowRaw, &cfg.Crypto.BindWindow},
		{"crypto.default_scope.ttl", cfg.Crypto.DefaultScope.TTLRaw, &cfg.Crypto.DefaultScope.TTL},
		{"webauthn.challenge_ttl", cfg.WebAuthn.ChallengeTTLRaw, &cfg.WebAuthn.ChallengeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	for name, sc := range cfg.Crypto.Scopes {
		if sc.TTLRaw == "" {
			continue
		}
		d, err := time.ParseDuration(sc.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing crypto.scopes.%s.ttl %q: %w", name, sc.TTLRaw, err)
		}
		sc.TTL = d
		cfg.Crypto.Scopes[name] = sc
	}

	return nil
}
