// Package config loads, validates and hot-reloads the callguard
// configuration and assembles the call pipeline from it.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/providers"
	"github.com/adalundhe/callguard/core/resilience"
)

// ErrInvalidConfig indicates a configuration that cannot be built.
var ErrInvalidConfig = errors.New("invalid config")

// Backend names shared by the cache and rate limit sections.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	Cache        CacheConfig                 `yaml:"cache"`
	RateLimit    RateLimitConfig             `yaml:"rate_limit"`
	Redis        RedisConfig                 `yaml:"redis"`
	Admission    admission.Policy            `yaml:"admission"`
	Tiers        map[string]admission.Tier   `yaml:"identity_tiers"`
	Breaker      BreakerConfig               `yaml:"breaker"`
	Backoff      breaker.BackoffPolicy       `yaml:"backoff"`
	Orchestrator resilience.Settings         `yaml:"orchestrator"`
	Metrics      MetricsConfig               `yaml:"metrics"`
	Providers    map[string]providers.Config `yaml:"providers"`
	Log          LogConfig                   `yaml:"log"`
}

type CacheConfig struct {
	Backend     string `yaml:"backend"`
	NumCounters int64  `yaml:"num_counters"`
	MaxCost     int64  `yaml:"max_cost"`
	SQLitePath  string `yaml:"sqlite_path"`
	Prefix      string `yaml:"prefix"`
}

type RateLimitConfig struct {
	Store   string        `yaml:"store"`
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addrs       []string      `yaml:"addrs"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BreakerConfig holds the default breaker plus per-provider overrides.
// Override fields left at zero inherit the default.
type BreakerConfig struct {
	breaker.Config `yaml:",inline"`

	AttemptTimeout time.Duration             `yaml:"attempt_timeout"`
	Providers      map[string]breaker.Config `yaml:"providers"`
}

type MetricsConfig struct {
	MaxKeys       int `yaml:"max_keys"`
	LatencyWindow int `yaml:"latency_window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File, when set, sends logs to a size-rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Backend:     BackendMemory,
			NumCounters: 1e5,
			MaxCost:     64 << 20,
			SQLitePath:  "callguard-cache.db",
			Prefix:      "callguard:cache:",
		},
		RateLimit: RateLimitConfig{
			Store:   BackendMemory,
			Prefix:  "callguard:ratelimit:",
			Timeout: 100 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addrs:       []string{"localhost:6379"},
			DialTimeout: 2 * time.Second,
		},
		Admission: admission.DefaultPolicy(),
		Breaker: BreakerConfig{
			Config:         breaker.DefaultConfig(),
			AttemptTimeout: 30 * time.Second,
		},
		Backoff:      breaker.DefaultBackoffPolicy(),
		Orchestrator: resilience.DefaultSettings(),
		Metrics: MetricsConfig{
			MaxKeys:       10000,
			LatencyWindow: 512,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// BreakerFor returns the breaker configuration for provider, with any
// override applied over the default.
func (c *Config) BreakerFor(provider string) breaker.Config {
	cfg := c.Breaker.Config
	if override, ok := c.Breaker.Providers[provider]; ok {
		Overlay(&cfg, &override)
	}
	return cfg
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%w: cache.sqlite_path is required for sqlite", ErrInvalidConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.Cache.Backend))
	}

	switch c.RateLimit.Store {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown rate limit store %q", ErrInvalidConfig, c.RateLimit.Store))
	}

	if c.usesRedis() && len(c.Redis.Addrs) == 0 {
		errs = append(errs, fmt.Errorf("%w: redis.addrs is required", ErrInvalidConfig))
	}

	if err := c.Admission.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Breaker.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Breaker.Providers {
		if err := c.BreakerFor(name).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breaker.providers.%s: %w", name, err))
		}
	}
	if c.Breaker.AttemptTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: breaker.attempt_timeout must not be negative", ErrInvalidConfig))
	}
	if err := c.Backoff.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.MaxKeys < 0 || c.Metrics.LatencyWindow < 0 {
		errs = append(errs, fmt.Errorf("%w: metrics sizes must not be negative", ErrInvalidConfig))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("%w: log.max_size_mb must be positive", ErrInvalidConfig))
	}

	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) usesRedis() bool {
	return c.Cache.Backend == BackendRedis || c.RateLimit.Store == BackendRedis
}

// Logger builds the slog logger described by the log section.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Writer returns the rotating log file when one is configured, else
// fallback.
func (l LogConfig) Writer(fallback io.Writer) io.Writer {
	if l.File == "" {
		return fallback
	}
	return &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, s)
	}
	return level, nil
}
