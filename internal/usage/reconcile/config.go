package reconcile

import (
	"time"

	"github.com/phraiz/phraiz/internal/config"
)

// Config controls the cache drift reconciler loop.
type Config struct {
	Enabled      bool
	BatchSize    int
	PollInterval time.Duration
	Lookback     time.Duration
	RunTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BatchSize:    200,
		PollInterval: time.Minute,
		Lookback:     10 * time.Minute,
		RunTimeout:   20 * time.Second,
	}
}

// FromAppConfig maps RECONCILE_* settings onto the worker config.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Enabled:      cfg.Reconcile.Enabled,
		BatchSize:    cfg.Reconcile.BatchSize,
		PollInterval: time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		Lookback:     time.Duration(cfg.Reconcile.LookbackMinutes) * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = defaults.Lookback
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}
