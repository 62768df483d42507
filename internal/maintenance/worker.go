// Package maintenance implements the retry and cleanup worker. It is
// externally triggered: the serve daemon invokes it on a timer and the
// CLI and HTTP API expose one-shot invocations. The worker never
// schedules itself, which keeps its lifecycle visible and testable.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// Defaults for the retry pass and the retention windows
const (
	DefaultRetryWindow = 24 * time.Hour
	DefaultRetryLimit  = 50

	DefaultJobRetention = 30 * 24 * time.Hour
	// Execution logs are kept longer than their jobs would suggest for
	// audit. Logs cascade with job deletion, so this window only trims
	// rows that outlive their job.
	DefaultLogRetention   = 90 * 24 * time.Hour
	DefaultUsageRetention = 48 * time.Hour

	// A job running longer than this is considered stuck and failed so
	// the retry pass can pick it up
	DefaultStuckAfter = 2 * time.Hour
)

// Config tunes the worker. Zero fields fall back to the defaults.
type Config struct {
	RetryWindow    time.Duration
	RetryLimit     int
	JobRetention   time.Duration
	LogRetention   time.Duration
	UsageRetention time.Duration
	StuckAfter     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryWindow == 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.JobRetention == 0 {
		c.JobRetention = DefaultJobRetention
	}
	if c.LogRetention == 0 {
		c.LogRetention = DefaultLogRetention
	}
	if c.UsageRetention == 0 {
		c.UsageRetention = DefaultUsageRetention
	}
	if c.StuckAfter == 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	return c
}

// Report summarizes one cleanup pass
type Report struct {
	StuckJobsFailed int64 `json:"stuck_jobs_failed"`
	JobsDeleted     int64 `json:"jobs_deleted"`
	LogsDeleted     int64 `json:"logs_deleted"`
	AnalysesDeleted int64 `json:"analyses_deleted"`
	UsageDeleted    int64 `json:"usage_deleted"`
	CountersReset   int64 `json:"counters_reset"`
}

// Worker runs retry and cleanup passes over the store
type Worker struct {
	cfg   Config
	store *store.Store
	disp  dispatch.Dispatcher
	now   func() time.Time
}

// New creates a maintenance worker
func New(cfg Config, st *store.Store, disp dispatch.Dispatcher) *Worker {
	return &Worker{
		cfg:   cfg.withDefaults(),
		store: st,
		disp:  disp,
		now:   time.Now,
	}
}

// RetryFailedJobs re-submits failed jobs created within the retry
// window that still have attempts left
func (w *Worker) RetryFailedJobs(ctx context.Context) (int, error) {
	since := w.now().UTC().Add(-w.cfg.RetryWindow)
	return w.disp.RetryFailedSince(ctx, since, w.cfg.RetryLimit)
}

// Cleanup runs one full cleanup pass: fail stuck jobs, drop aged
// terminal jobs and logs, purge dead cache entries and stale usage
// rows, and reset the daily action counters. The counter reset is
// guarded by the stored reset date, so any number of passes within one
// UTC day reset at most once.
//
// olderThan overrides the job retention window; zero uses the
// configured default. Step failures are logged and the pass continues,
// since the next tick retries anyway.
func (w *Worker) Cleanup(ctx context.Context, olderThan time.Duration) (Report, error) {
	jobRetention := olderThan
	if jobRetention == 0 {
		jobRetention = w.cfg.JobRetention
	}

	now := w.now().UTC()
	var rep Report
	var firstErr error

	step := func(name string, n int64, err error) int64 {
		if err != nil {
			log.Printf("maintenance: %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			return 0
		}
		return n
	}

	n, err := w.store.MarkStuckJobsFailed(now.Add(-w.cfg.StuckAfter), "stuck in running state, failed by maintenance")
	rep.StuckJobsFailed = step("fail stuck jobs", n, err)

	n, err = w.store.DeleteTerminalJobsBefore(now.Add(-jobRetention))
	rep.JobsDeleted = step("delete old jobs", n, err)

	n, err = w.store.DeleteExecutionLogsBefore(now.Add(-w.cfg.LogRetention))
	rep.LogsDeleted = step("delete old execution logs", n, err)

	n, err = w.store.DeleteDeadAnalyses(now)
	rep.AnalysesDeleted = step("delete dead analyses", n, err)

	n, err = w.store.PruneActionUsage(now.Add(-w.cfg.UsageRetention))
	rep.UsageDeleted = step("prune action usage", n, err)

	n, err = w.store.ResetDailyActionCounters(now.Format("2006-01-02"))
	rep.CountersReset = step("reset daily counters", n, err)

	return rep, firstErr
}

// Tick runs a retry pass followed by a cleanup pass; the serve daemon
// calls this on its maintenance interval
func (w *Worker) Tick(ctx context.Context) {
	retried, err := w.RetryFailedJobs(ctx)
	if err != nil {
		log.Printf("maintenance: retry failed jobs: %v", err)
	} else if retried > 0 {
		log.Printf("maintenance: retried %d failed jobs", retried)
	}

	rep, err := w.Cleanup(ctx, 0)
	if err != nil {
		log.Printf("maintenance: cleanup finished with error: %v", err)
	}
	if rep.JobsDeleted > 0 || rep.LogsDeleted > 0 || rep.AnalysesDeleted > 0 ||
		rep.CountersReset > 0 || rep.StuckJobsFailed > 0 {
		log.Printf("maintenance: cleanup removed %d jobs, %d logs, %d analyses; reset %d counters; failed %d stuck jobs",
			rep.JobsDeleted, rep.LogsDeleted, rep.AnalysesDeleted, rep.CountersReset, rep.StuckJobsFailed)
	}
}
