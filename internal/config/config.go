// Package config provides configuration management for tracealign.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all tracealign configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig holds settings for the correlation result cache.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig limits correlate requests per client. It needs redis.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// CorrelationConfig holds the timeline engine settings.
//
// Offset and Threshold encode the clock skew observed between the sandbox
// and the keylogger on the sample captures. They are tool-pair specific.
type CorrelationConfig struct {
	Offset        float64 `yaml:"offset"`         // seconds added on extraction, removed again when skew is detected
	Threshold     float64 `yaml:"threshold"`      // first-sample value above which the offset is removed
	TimeInterval  float64 `yaml:"time_interval"`  // bucket width in seconds
	MaxBuckets    int     `yaml:"max_buckets"`    // per-series bucket cap; domains needing more are rejected
	ClassTag      string  `yaml:"class_tag"`      // marker following a bracket token for mouse events
	Tor2WebMarker string  `yaml:"tor2web_marker"` // substring searched in call buffers
	Title         string  `yaml:"title"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults when
// path is empty or the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    64 * 1024 * 1024,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "TRACEALIGN_REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
			CacheTTL:    1 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			IncludeHeaders:    true,
		},
		Correlation: DefaultCorrelationConfig(),
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "dev",
		},
	}
}

// DefaultCorrelationConfig returns the engine defaults used on the sample captures.
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		Offset:        427,
		Threshold:     400,
		TimeInterval:  1,
		MaxBuckets:    100000,
		ClassTag:      "Mouse",
		Tor2WebMarker: "tor2web",
		Title:         "Sandbox Activity Timeline",
	}
}

// Validate checks settings the engine cannot run without.
func (c *Config) Validate() error {
	return c.Correlation.Validate()
}

// Validate checks the engine settings.
func (c CorrelationConfig) Validate() error {
	if !(c.TimeInterval > 0) {
		return fmt.Errorf("%w: time_interval must be positive, got %v", ErrInvalidConfig, c.TimeInterval)
	}
	if c.MaxBuckets <= 0 {
		return fmt.Errorf("%w: max_buckets must be positive, got %d", ErrInvalidConfig, c.MaxBuckets)
	}
	if c.ClassTag == "" {
		return fmt.Errorf("%w: class_tag must not be empty", ErrInvalidConfig)
	}
	return nil
}

// RedisPassword resolves the redis password from the configured env var.
func (r RedisConfig) RedisPassword() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}
