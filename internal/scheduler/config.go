package scheduler

import (
	"os"
	"time"
)

// Config controls scheduler intervals and per-job timeouts.
type Config struct {
	RunInterval       time.Duration
	JobTimeout        time.Duration
	ReconcileInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		JobTimeout:        30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	return c
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("SCHEDULER_RUN_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RunInterval = d
		}
	}
	if raw := os.Getenv("SCHEDULER_RECONCILE_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.ReconcileInterval = d
		}
	}
	return cfg
}
