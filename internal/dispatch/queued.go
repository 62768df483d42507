package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerpool"
)

// QueuedDispatcher persists jobs as queued rows and lets the
// worker-pool coordinator hand them to remote workers. Jobs wait in
// the store when no worker slot is free.
type QueuedDispatcher struct {
	store *store.Store
	coord *workerpool.Coordinator
}

// NewQueued creates a dispatcher backed by the worker pool
func NewQueued(st *store.Store, coord *workerpool.Coordinator) *QueuedDispatcher {
	return &QueuedDispatcher{store: st, coord: coord}
}

// AddJob persists the job in queued state and nudges the coordinator.
// It returns immediately; the job runs when a worker picks it up.
func (q *QueuedDispatcher) AddJob(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	job, err := newJobFromSpec(spec)
	if err != nil {
		return nil, err
	}
	return q.enqueue(job)
}

// AddHighPriorityJob enqueues with priority pinned above the normal
// range so the job jumps every queued batch
func (q *QueuedDispatcher) AddHighPriorityJob(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	job, err := newJobFromSpec(spec)
	if err != nil {
		return nil, err
	}
	job.Priority = HighPriority
	return q.enqueue(job)
}

func (q *QueuedDispatcher) enqueue(job *domain.Job) (*domain.Job, error) {
	if _, err := q.store.GetProject(job.ProjectID); err != nil {
		return nil, fmt.Errorf("dispatch for project %s: %w", job.ProjectID, err)
	}
	if err := q.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	q.coord.Kick()
	return job, nil
}

// IsConfigured reports true: the worker pool is the queue backend
func (q *QueuedDispatcher) IsConfigured() bool { return true }

// Pause stops the coordinator from handing out jobs. Submissions are
// still accepted and accumulate as queued rows.
func (q *QueuedDispatcher) Pause() { q.coord.Pause() }

// Resume restarts assignment
func (q *QueuedDispatcher) Resume() { q.coord.Resume() }

// IsPaused reports whether assignment is paused
func (q *QueuedDispatcher) IsPaused() bool { return q.coord.IsPaused() }

// Stats combines store job counts with live pool state
func (q *QueuedDispatcher) Stats(ctx context.Context) (QueueStats, error) {
	stats, err := statsFromStore(q.store)
	if err != nil {
		return QueueStats{}, err
	}
	stats.Paused = q.coord.IsPaused()
	stats.Workers = q.coord.Registry().Count()
	return stats, nil
}

// FailedJobs lists failed jobs, newest first
func (q *QueuedDispatcher) FailedJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return q.store.ListJobs(store.JobListOptions{Status: domain.JobFailed, Limit: limit})
}

// RetryAllFailed re-enters every failed job with attempts left into
// the queue; workers pick them up like any other queued row
func (q *QueuedDispatcher) RetryAllFailed(ctx context.Context) (int, error) {
	return q.RetryFailedSince(ctx, time.Time{}, retryBatchLimit)
}

// RetryFailedSince retries failed jobs created within the window
func (q *QueuedDispatcher) RetryFailedSince(ctx context.Context, since time.Time, limit int) (int, error) {
	jobs, err := q.store.RetryableJobs(since, limit)
	if err != nil {
		return 0, fmt.Errorf("list retryable jobs: %w", err)
	}

	retried := 0
	for _, job := range jobs {
		requeued, err := q.store.RequeueJob(job.ID)
		if err != nil {
			return retried, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		if requeued {
			retried++
		}
	}
	if retried > 0 {
		q.coord.Kick()
	}
	return retried, nil
}

// Cleanup deletes terminal jobs older than the given age
func (q *QueuedDispatcher) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.store.DeleteTerminalJobsBefore(time.Now().UTC().Add(-olderThan))
}
