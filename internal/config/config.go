// Package config loads the service configuration from environment
// variables, with a .env file honored for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Pool      PoolConfig
	Lease     LeaseConfig
	Job       JobConfig
	RateLimit RateLimitConfig
	Logging   LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"120s"`
	IdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
}

// PoolConfig bounds the browser process pool.
type PoolConfig struct {
	MaxProcesses        int           `envconfig:"MAX_PROCESSES" default:"4"`
	ContextsPerProcess  int           `envconfig:"CONTEXTS_PER_PROCESS" default:"4"`
	MinWarmProcesses    int           `envconfig:"MIN_WARM_PROCESSES" default:"1"`
	ProcessMaxAge       time.Duration `envconfig:"PROCESS_MAX_AGE" default:"1h"`
	ProcessMaxContexts  int           `envconfig:"PROCESS_MAX_CONTEXTS" default:"100"`
	HealthProbeInterval time.Duration `envconfig:"HEALTH_PROBE_INTERVAL" default:"10s"`
	ShutdownGrace       time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`
	Image               string        `envconfig:"BROWSER_IMAGE" default:"browserless/chrome:latest"`
}

// LeaseConfig controls lease lifetimes and the expiry sweep.
type LeaseConfig struct {
	DefaultTimeout time.Duration `envconfig:"DEFAULT_LEASE_TIMEOUT" default:"5m"`
	MaxTimeout     time.Duration `envconfig:"MAX_LEASE_TIMEOUT" default:"30m"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"15s"`
}

// JobConfig controls job execution and audit retention.
type JobConfig struct {
	DefaultTimeout    time.Duration `envconfig:"DEFAULT_JOB_TIMEOUT" default:"45s"`
	MaxTimeout        time.Duration `envconfig:"MAX_JOB_TIMEOUT" default:"5m"`
	Retention         time.Duration `envconfig:"JOB_RETENTION" default:"1h"`
	ArtifactPath      string        `envconfig:"ARTIFACT_PATH" default:"./storage/artifacts"`
	CallerConcurrency int           `envconfig:"CALLER_CONCURRENCY" default:"10"`
}

// RateLimitConfig holds per-caller rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerHour int  `envconfig:"RATE_LIMIT_PER_HOUR" default:"100"`
	Burst           int  `envconfig:"RATE_LIMIT_BURST" default:"10"`
	Enabled         bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads .env when present, then populates Config from the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pool cannot operate under.
func (c *Config) Validate() error {
	if c.Pool.MaxProcesses < 1 {
		return fmt.Errorf("MAX_PROCESSES must be at least 1, got %d", c.Pool.MaxProcesses)
	}
	if c.Pool.ContextsPerProcess < 1 {
		return fmt.Errorf("CONTEXTS_PER_PROCESS must be at least 1, got %d", c.Pool.ContextsPerProcess)
	}
	if c.Pool.MinWarmProcesses > c.Pool.MaxProcesses {
		return fmt.Errorf("MIN_WARM_PROCESSES (%d) exceeds MAX_PROCESSES (%d)",
			c.Pool.MinWarmProcesses, c.Pool.MaxProcesses)
	}
	if c.Lease.DefaultTimeout > c.Lease.MaxTimeout {
		return fmt.Errorf("DEFAULT_LEASE_TIMEOUT exceeds MAX_LEASE_TIMEOUT")
	}
	if c.Job.DefaultTimeout > c.Job.MaxTimeout {
		return fmt.Errorf("DEFAULT_JOB_TIMEOUT exceeds MAX_JOB_TIMEOUT")
	}
	return nil
}

// Capacity returns the pool-wide context capacity.
func (c *Config) Capacity() int {
	return c.Pool.MaxProcesses * c.Pool.ContextsPerProcess
}
