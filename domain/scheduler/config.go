package scheduler

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the maintenance cadence. Intervals are process-level
// tuning, not run identity, so they come from the environment rather
// than the run config file. A non-empty *_SCHEDULE is a six-field cron
// expression and takes precedence over the matching interval.
type Config struct {
	// Enabled controls whether maintenance tasks are registered at all.
	Enabled bool `env:"MAINTENANCE_ENABLED" envDefault:"true"`

	// ReclaimInterval is how often timed-out claims return to pending.
	ReclaimInterval time.Duration `env:"RECLAIM_INTERVAL" envDefault:"30s"`

	// StaleWorkerInterval is how often worker heartbeats are audited.
	StaleWorkerInterval time.Duration `env:"STALE_WORKER_INTERVAL" envDefault:"1m"`

	// CompletionInterval is how often the run is checked for drain.
	CompletionInterval time.Duration `env:"RUN_COMPLETION_INTERVAL" envDefault:"10s"`

	// StatsInterval is how often the queue status line is logged.
	StatsInterval time.Duration `env:"QUEUE_STATS_INTERVAL" envDefault:"1m"`

	ReclaimSchedule     string `env:"RECLAIM_SCHEDULE" envDefault:""`
	StaleWorkerSchedule string `env:"STALE_WORKER_SCHEDULE" envDefault:""`
	CompletionSchedule  string `env:"RUN_COMPLETION_SCHEDULE" envDefault:""`
	StatsSchedule       string `env:"QUEUE_STATS_SCHEDULE" envDefault:""`
}

// NewConfig reads the maintenance configuration from the environment.
func NewConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	return cfg, nil
}
