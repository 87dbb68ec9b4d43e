package distributord

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for distributord.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	NodeConfig      string          `yaml:"node_config"`
	Environment     string          `yaml:"environment"`
	LogLevel        string          `yaml:"log_level"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Journal         JournalConfig   `yaml:"journal"`
	Stream          StreamConfig    `yaml:"stream"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// AuthConfig configures bearer token verification. Tokens are HS256 JWTs
// whose scope claim grants read, submit or admin access.
type AuthConfig struct {
	Disabled       bool     `yaml:"disabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds submissions per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// JournalConfig selects the submission journal database. DSNs starting with
// postgres:// or postgresql:// use Postgres; anything else is a SQLite path.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// StreamConfig tunes the websocket event stream.
type StreamConfig struct {
	History      int      `yaml:"history"`
	Buffer       int      `yaml:"buffer"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.NodeConfig == "" {
		cfg.NodeConfig = "config.toml"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "distributord-journal.db"
	}
	if cfg.Stream.History == 0 {
		cfg.Stream.History = 1024
	}
	if cfg.Stream.Buffer == 0 {
		cfg.Stream.Buffer = 64
	}
	if cfg.Stream.WriteTimeout.Duration == 0 {
		cfg.Stream.WriteTimeout.Duration = 10 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if !cfg.Auth.Disabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("configure auth.hmac_secret or set auth.disabled")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Stream.History < 0 || cfg.Stream.Buffer < 0 {
		return fmt.Errorf("stream values must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("auth configuration missing")
	}
	secret := strings.TrimSpace(a.HMACSecret)
	if path := strings.TrimSpace(a.HMACSecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	a.ScopeClaim = strings.TrimSpace(a.ScopeClaim)
	return nil
}
