package scheduler

import (
	"time"

	"github.com/smallbiznis/paysync/internal/config"
)

// Config controls the drift-correction poller.
type Config struct {
	RunInterval     time.Duration
	StaleAfter      time.Duration
	GiveUpAfter     time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	PerOrderTimeout time.Duration
	LockTTL         time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		StaleAfter:      10 * time.Minute,
		GiveUpAfter:     72 * time.Hour,
		BatchSize:       50,
		JobTimeout:      50 * time.Second,
		PerOrderTimeout: 15 * time.Second,
		LockTTL:         55 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Reconcile.Interval,
		StaleAfter:  cfg.Reconcile.StaleAfter,
		GiveUpAfter: cfg.Reconcile.GiveUpAfter,
		BatchSize:   cfg.Reconcile.BatchSize,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.GiveUpAfter <= c.StaleAfter {
		c.GiveUpAfter = defaults.GiveUpAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.PerOrderTimeout <= 0 {
		c.PerOrderTimeout = defaults.PerOrderTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
