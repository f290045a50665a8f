package config

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

// Config captures runtime configuration for marketd.
type Config struct {
	ListenAddress string               `yaml:"listen"`
	DatabasePath  string               `yaml:"database"`
	MarketConfig  string               `yaml:"market_config"`
	Environment   string               `yaml:"environment"`
	Admin         AdminConfig          `yaml:"admin"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits"`
	Quota         QuotaConfig          `yaml:"quota"`
	Lowering      Duration             `yaml:"lowering_interval"`
	Checkpoint    Duration             `yaml:"checkpoint_interval"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
}

// AdminConfig guards the admin surface.
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// RateLimit throttles a route group per client address.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// QuotaConfig caps per-account trade activity. Worth counts whole stable
// tokens per epoch.
type QuotaConfig struct {
	MaxRequestsPerMinute uint32 `yaml:"max_requests_per_minute"`
	MaxWorthPerEpoch     uint64 `yaml:"max_worth_per_epoch"`
	EpochSeconds         uint32 `yaml:"epoch_seconds"`
}

// TelemetryConfig toggles the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/marketd.sqlite"
	}
	if cfg.MarketConfig == "" {
		cfg.MarketConfig = "config/market.toml"
	}
	if cfg.Lowering.Duration == 0 {
		cfg.Lowering.Duration = time.Minute
	}
	if cfg.Checkpoint.Duration == 0 {
		cfg.Checkpoint.Duration = 5 * time.Minute
	}
	if cfg.Quota.EpochSeconds == 0 {
		cfg.Quota.EpochSeconds = 3600
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Admin.BearerToken) == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	for key, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 {
			return fmt.Errorf("rate limit %q must not be negative", key)
		}
	}
	return nil
}
