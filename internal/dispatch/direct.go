package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// DirectDispatcher runs every job synchronously in-process, right on
// the caller's goroutine. It is the path taken when no worker pool is
// configured, which is the common single-binary deployment.
type DirectDispatcher struct {
	store  *store.Store
	runner *orchestrator.Runner

	mu     sync.Mutex
	paused bool
}

// NewDirect creates the in-process dispatcher
func NewDirect(st *store.Store, runner *orchestrator.Runner) *DirectDispatcher {
	return &DirectDispatcher{store: st, runner: runner}
}

// AddJob persists the job and runs it before returning. The returned
// job reflects the terminal state; a failed run is reported through
// the job row, not through the error return.
func (d *DirectDispatcher) AddJob(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	job, err := newJobFromSpec(spec)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, job)
}

// AddHighPriorityJob runs the job like AddJob. Priority only affects
// ordering on the queued path, but the pinned value is still recorded.
func (d *DirectDispatcher) AddHighPriorityJob(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	job, err := newJobFromSpec(spec)
	if err != nil {
		return nil, err
	}
	job.Priority = HighPriority
	return d.run(ctx, job)
}

func (d *DirectDispatcher) run(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if d.IsPaused() {
		// There is no queue to park the job in, so refuse it outright.
		return nil, ErrPaused
	}

	if _, err := d.store.GetProject(job.ProjectID); err != nil {
		return nil, fmt.Errorf("dispatch for project %s: %w", job.ProjectID, err)
	}
	if err := d.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := d.runner.Run(ctx, job.ID); err != nil {
		log.Printf("dispatch: job %s finished with error: %v", job.ID, err)
	}
	return d.store.GetJob(job.ID)
}

// IsConfigured reports false: there is no queue backend
func (d *DirectDispatcher) IsConfigured() bool { return false }

// Pause makes AddJob refuse new submissions
func (d *DirectDispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

// Resume accepts submissions again
func (d *DirectDispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
}

// IsPaused reports whether submissions are refused
func (d *DirectDispatcher) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Stats reports job counts from the store. Workers is always zero on
// the direct path.
func (d *DirectDispatcher) Stats(ctx context.Context) (QueueStats, error) {
	stats, err := statsFromStore(d.store)
	if err != nil {
		return QueueStats{}, err
	}
	stats.Paused = d.IsPaused()
	return stats, nil
}

// FailedJobs lists failed jobs, newest first
func (d *DirectDispatcher) FailedJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return d.store.ListJobs(store.JobListOptions{Status: domain.JobFailed, Limit: limit})
}

// RetryAllFailed re-enters every failed job that still has attempts
// left and runs them one by one
func (d *DirectDispatcher) RetryAllFailed(ctx context.Context) (int, error) {
	return d.RetryFailedSince(ctx, time.Time{}, retryBatchLimit)
}

// RetryFailedSince retries failed jobs created within the window
func (d *DirectDispatcher) RetryFailedSince(ctx context.Context, since time.Time, limit int) (int, error) {
	if d.IsPaused() {
		return 0, ErrPaused
	}

	jobs, err := d.store.RetryableJobs(since, limit)
	if err != nil {
		return 0, fmt.Errorf("list retryable jobs: %w", err)
	}

	retried := 0
	for _, job := range jobs {
		requeued, err := d.store.RequeueJob(job.ID)
		if err != nil {
			return retried, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		if !requeued {
			continue
		}
		retried++
		if err := d.runner.Run(ctx, job.ID); err != nil {
			log.Printf("dispatch: retry of job %s finished with error: %v", job.ID, err)
		}
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
	}
	return retried, nil
}

// Cleanup deletes terminal jobs older than the given age
func (d *DirectDispatcher) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return d.store.DeleteTerminalJobsBefore(time.Now().UTC().Add(-olderThan))
}
