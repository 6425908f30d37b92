package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/loyalty/internal/config"
)

const (
	JobClaimSweep = "claim_sweep"
	JobReconcile  = "ledger_reconcile"
	JobReplay     = "unresolved_replay"
)

// Config controls job schedules and batch sizes.
type Config struct {
	ClaimSweepSchedule string
	ReconcileSchedule  string
	ReplaySchedule     string
	BatchSize          int
	JobTimeout         time.Duration
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		ClaimSweepSchedule: "@every 1m",
		ReconcileSchedule:  "@every 15m",
		ReplaySchedule:     "@every 5m",
		BatchSize:          100,
		JobTimeout:         30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		ClaimSweepSchedule: cfg.Idempotency.SweepSchedule,
		ReconcileSchedule:  cfg.Scheduler.ReconcileSchedule,
		ReplaySchedule:     cfg.Scheduler.ReplaySchedule,
		BatchSize:          cfg.Scheduler.BatchSize,
		JobTimeout:         cfg.Scheduler.JobTimeout,
		EnabledJobs:        cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.ClaimSweepSchedule) == "" {
		c.ClaimSweepSchedule = defaults.ClaimSweepSchedule
	}
	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		c.ReconcileSchedule = defaults.ReconcileSchedule
	}
	if strings.TrimSpace(c.ReplaySchedule) == "" {
		c.ReplaySchedule = defaults.ReplaySchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func (c Config) isJobEnabled(job string) bool {
	// Empty means every job runs in this process.
	if len(c.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range c.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), job) {
			return true
		}
	}
	return false
}
