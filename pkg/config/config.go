// Package config provides the unified configuration system for reservoir.
// It defines a single Config structure covering the pool, the resilience
// layer, logging, and metrics, so every component is configured from one
// place read once at construction.
//
// Two profiles select default limits:
//   - production: min 2 / max 20 connections, 10 minute idle timeout
//   - development: min 1 / max 5 connections, 5 minute idle timeout
//
// Example usage:
//
//	cfg := config.NewConfig(config.ProfileProduction)
//	cfg.Pool.MaxConnections = 50
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Profile selects a set of default limits for a deployment environment.
type Profile string

const (
	// ProfileProduction selects the wider production defaults
	ProfileProduction Profile = "production"
	// ProfileDevelopment selects the narrower development defaults
	ProfileDevelopment Profile = "development"
)

// Config is the root configuration structure. It is immutable for the
// lifetime of the pool: mutate before construction, never after.
type Config struct {
	// Profile names the deployment environment the defaults were drawn from
	Profile Profile `yaml:"profile" json:"profile"`

	// Pool settings control connection lifecycle and limits
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Resilience settings for retry, timeout, and circuit breaking
	Resilience ResilienceConfig `yaml:"resilience" json:"resilience"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// PoolConfig contains all pool lifecycle and limit settings.
type PoolConfig struct {
	// ConnString is the connection string handed to the dialer
	ConnString string `yaml:"conn_string" json:"conn_string"`
	// MinConnections is the floor maintained by the maintenance cycle
	MinConnections int `yaml:"min_connections" json:"min_connections"`
	// MaxConnections bounds total pool growth
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// AcquireTimeout bounds how long a queued acquisition waits
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// CreateTimeout bounds a single connection creation
	CreateTimeout time.Duration `yaml:"create_timeout" json:"create_timeout"`
	// IdleTimeout is the idle age past which connections are reaped
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// ReapInterval is the period of the reaper/maintenance cycle
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"`
	// SampleInterval is the period of the stats sampler
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
	// PropagateCreateError makes creation failures fatal to the caller
	// instead of falling back to queueing
	PropagateCreateError bool `yaml:"propagate_create_error" json:"propagate_create_error"`
	// ShutdownGrace bounds how long shutdown waits for active connections
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// ResilienceConfig contains retry and circuit breaker settings.
type ResilienceConfig struct {
	// MaxAttempts sets maximum attempts per execute call (1 = no retry)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseDelay is the initial backoff delay
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// Jitter randomizes backoff delays when true
	Jitter bool `yaml:"jitter" json:"jitter"`
	// OperationTimeout bounds a full execute call, acquisition included
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	// FailureThreshold is the failure count that opens a breaker
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// MonitoringPeriod is the window failures are counted over
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period"`
	// ResetTimeout is how long an open breaker waits before probing
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
}

// MetricsConfig contains metrics exposure settings.
type MetricsConfig struct {
	// Enabled turns the prometheus endpoint on
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ListenAddr is the address the metrics HTTP server binds
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// NewConfig returns a Config populated with the defaults for the given
// profile. Unknown profiles get development defaults.
func NewConfig(profile Profile) *Config {
	cfg := &Config{
		Profile: profile,
		Pool: PoolConfig{
			MinConnections:       1,
			MaxConnections:       5,
			AcquireTimeout:       10 * time.Second,
			CreateTimeout:        5 * time.Second,
			IdleTimeout:          5 * time.Minute,
			ReapInterval:         30 * time.Second,
			SampleInterval:       15 * time.Second,
			PropagateCreateError: false,
			ShutdownGrace:        10 * time.Second,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         5 * time.Second,
			Jitter:           true,
			OperationTimeout: 30 * time.Second,
			FailureThreshold: 5,
			MonitoringPeriod: time.Minute,
			ResetTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: true,
			Encoding:    "console",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
	}

	if profile == ProfileProduction {
		cfg.Pool.MinConnections = 2
		cfg.Pool.MaxConnections = 20
		cfg.Pool.IdleTimeout = 10 * time.Minute
		cfg.Logging.Development = false
		cfg.Logging.Encoding = "json"
	}

	return cfg
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	p := c.Pool

	if p.MinConnections < 0 {
		return fmt.Errorf("pool.min_connections must be >= 0, got %d", p.MinConnections)
	}
	if p.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be >= 1, got %d", p.MaxConnections)
	}
	if p.MinConnections > p.MaxConnections {
		return fmt.Errorf("pool.min_connections (%d) must not exceed pool.max_connections (%d)",
			p.MinConnections, p.MaxConnections)
	}
	if p.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive, got %s", p.AcquireTimeout)
	}
	if p.CreateTimeout <= 0 {
		return fmt.Errorf("pool.create_timeout must be positive, got %s", p.CreateTimeout)
	}
	if p.IdleTimeout <= 0 {
		return fmt.Errorf("pool.idle_timeout must be positive, got %s", p.IdleTimeout)
	}
	if p.ReapInterval <= 0 {
		return fmt.Errorf("pool.reap_interval must be positive, got %s", p.ReapInterval)
	}

	r := c.Resilience
	if r.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.BaseDelay < 0 {
		return fmt.Errorf("resilience.base_delay must be >= 0, got %s", r.BaseDelay)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("resilience.max_delay (%s) must be >= base_delay (%s)", r.MaxDelay, r.BaseDelay)
	}
	if r.FailureThreshold < 1 {
		return fmt.Errorf("resilience.failure_threshold must be >= 1, got %d", r.FailureThreshold)
	}

	return nil
}
