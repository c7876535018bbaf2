// Package config holds the engine's file/env configuration.
package config

import (
	"fmt"
	"time"
)

// EngineConfig is the root configuration for an engine instance.
type EngineConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Settlement SettlementConfig `yaml:"settlement"`
	Limits     LimitsConfig     `yaml:"limits"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SchedulerSecret string        `yaml:"scheduler_secret"`
}

// DatabaseConfig holds the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `yaml:"url"` // empty → in-memory store
}

// RedisConfig holds the shared cache connection (freeze state + price cache).
type RedisConfig struct {
	URL string `yaml:"url"` // empty → in-memory freeze store, no price cache
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	DivergencePts float64       `yaml:"divergence_pts"` // probability units, e.g. 0.05
	Window        time.Duration `yaml:"window"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// SettlementConfig holds sweep/reset scheduling.
type SettlementConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ResetHourUTC  int           `yaml:"reset_hour_utc"`
}

// LimitsConfig holds balance manager thresholds.
type LimitsConfig struct {
	LargeTransaction float64 `yaml:"large_transaction"` // absolute $, warn above
}

// Default values for optional configuration fields.
const (
	DefaultPort             = "8080"
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDivergencePts    = 0.05
	DefaultBreakerWindow    = time.Second
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Minute
	DefaultLargeTransaction = 10000
)

func (c *EngineConfig) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Breaker.DivergencePts == 0 {
		c.Breaker.DivergencePts = DefaultDivergencePts
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = DefaultBreakerWindow
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = DefaultBreakerCooldown
	}
	if c.Settlement.SweepInterval == 0 {
		c.Settlement.SweepInterval = DefaultSweepInterval
	}
	if c.Limits.LargeTransaction == 0 {
		c.Limits.LargeTransaction = DefaultLargeTransaction
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.Breaker.DivergencePts <= 0 || c.Breaker.DivergencePts >= 1 {
		return fmt.Errorf("breaker.divergence_pts must be in (0, 1), got %v", c.Breaker.DivergencePts)
	}
	if c.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.window must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}
	if c.Settlement.ResetHourUTC < 0 || c.Settlement.ResetHourUTC > 23 {
		return fmt.Errorf("settlement.reset_hour_utc must be in [0, 23], got %d", c.Settlement.ResetHourUTC)
	}
	if c.Limits.LargeTransaction <= 0 {
		return fmt.Errorf("limits.large_transaction must be positive")
	}
	return nil
}
