// Package scheduler runs the periodic maintenance jobs of the
// orchestration core: expired-session sweeps, dedup-record pruning, and
// routing-rule cache refreshes.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

// Default maintenance schedules (5-field cron expressions).
const (
	// DefaultSweepSchedule removes expired sessions hourly.
	DefaultSweepSchedule = "0 * * * *"
	// DefaultPruneSchedule removes aged dedup records daily.
	DefaultPruneSchedule = "30 3 * * *"
	// DefaultRuleRefreshSchedule reloads routing rules every 5 minutes as
	// a safety net behind the cache's own staleness refresh.
	DefaultRuleRefreshSchedule = "*/5 * * * *"
)

const jobTimeout = 30 * time.Second

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RegisterMaintenance wires the standard maintenance jobs: session
// expiry sweep, dedup pruning beyond the gateway's dedup window, and
// rule cache refresh.
func (s *Scheduler) RegisterMaintenance(st store.Store, cache *router.RuleCache, dedupWindow time.Duration) error {
	if err := s.AddJob(DefaultSweepSchedule, func() { sweepSessions(st) }); err != nil {
		return err
	}

	if err := s.AddJob(DefaultPruneSchedule, func() { pruneDedup(st, dedupWindow) }); err != nil {
		return err
	}

	return s.AddJob(DefaultRuleRefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := cache.Refresh(ctx); err != nil {
			slog.Error("Scheduler rule refresh failed", "error", err)
		}
	})
}

func sweepSessions(st store.Store) {
	removed, err := st.DeleteExpiredSessions(time.Now())
	if err != nil {
		slog.Error("Scheduler session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Scheduler swept expired sessions", "removed", removed)
	}
}

func pruneDedup(st store.Store, window time.Duration) {
	pruned, err := st.DeleteDedupBefore(time.Now().Add(-window))
	if err != nil {
		slog.Error("Scheduler dedup prune failed", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("Scheduler pruned dedup records", "removed", pruned)
	}
}
