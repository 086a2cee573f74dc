// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKeys      []string      `yaml:"api_keys"`
	AllowedIPs   []string      `yaml:"allowed_ips"` // IPs or CIDRs; empty allows all
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path      string `yaml:"path"`       // sqlite database file
	QuotaPath string `yaml:"quota_path"` // bbolt quota state file
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DispatchConfig contains dispatch runner settings
type DispatchConfig struct {
	SendTimeout  time.Duration `yaml:"send_timeout"`
	MaxDeferrals int           `yaml:"max_deferrals"`
}

// RateLimitConfig contains session quota settings
type RateLimitConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// BackoffConfig contains session backoff settings
type BackoffConfig struct {
	Initial        time.Duration `yaml:"initial"`
	Factor         float64       `yaml:"factor"`
	Max            time.Duration `yaml:"max"`
	PauseThreshold int           `yaml:"pause_threshold"`
}

// GatewayConfig contains chat gateway settings
type GatewayConfig struct {
	Mode             string        `yaml:"mode"` // simulated is the only built-in mode
	RatePerSec       float64       `yaml:"rate_per_sec"`
	Latency          time.Duration `yaml:"latency"`
	SimulateErrors   bool          `yaml:"simulate_errors"`
	ErrorProbability float64       `yaml:"error_probability"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/pulsecast/pulsecast.db"
	}
	if c.Storage.QuotaPath == "" {
		c.Storage.QuotaPath = "/var/lib/pulsecast/quotas.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.MaxDeferrals == 0 {
		c.Dispatch.MaxDeferrals = 3
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}
	if c.RateLimit.Retention == 0 {
		c.RateLimit.Retention = 24 * time.Hour
	}

	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = 30 * time.Second
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = 2
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = 30 * time.Minute
	}
	if c.Backoff.PauseThreshold == 0 {
		c.Backoff.PauseThreshold = 5
	}

	if c.Gateway.Mode == "" {
		c.Gateway.Mode = "simulated"
	}
	if c.Gateway.ErrorProbability == 0 {
		c.Gateway.ErrorProbability = 0.1
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Gateway.Mode != "simulated" {
		return fmt.Errorf("invalid gateway.mode: %s (simulated is the only built-in mode)", c.Gateway.Mode)
	}
	if c.Gateway.ErrorProbability < 0 || c.Gateway.ErrorProbability > 1 {
		return fmt.Errorf("gateway.error_probability must be between 0 and 1")
	}

	if c.Backoff.Factor < 1 {
		return fmt.Errorf("backoff.factor must be at least 1")
	}
	if c.Dispatch.MaxDeferrals < 0 {
		return fmt.Errorf("dispatch.max_deferrals must not be negative")
	}

	for _, entry := range c.API.AllowedIPs {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("invalid api.allowed_ips entry: %s (must be an IP or CIDR)", entry)
		}
	}

	return nil
}
