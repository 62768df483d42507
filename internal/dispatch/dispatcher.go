// Package dispatch decides how orchestration jobs reach the batch
// runner: through the worker-pool queue when a coordinator is running,
// or synchronously in-process as the direct fallback. Both strategies
// persist the job row before anything executes, so job state stays
// queryable even when the queue backend is ephemeral.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerpool"
)

// DefaultMaxAttempts bounds automatic retries per job
const DefaultMaxAttempts = 3

// DefaultPriority is the middle of the 1-10 range
const DefaultPriority = 5

// HighPriority pins urgent jobs above every normally-prioritized one
const HighPriority = 100

// retryBatchLimit caps how many failed jobs one RetryAllFailed call
// re-enters
const retryBatchLimit = 100

// ErrPaused is returned when the dispatcher refuses new work
var ErrPaused = errors.New("dispatcher is paused")

// JobSpec describes a job to enqueue
type JobSpec struct {
	ProjectID   string
	Type        domain.JobType // defaults to batch
	AgentID     string         // required for single_agent
	Trigger     domain.TriggerSource
	TriggeredBy string
	Priority    int // 1-10, defaults to DefaultPriority
	MaxAttempts int // defaults to DefaultMaxAttempts
}

// QueueStats summarizes queue state for status surfaces
type QueueStats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
	Workers   int  `json:"workers"`
}

// Dispatcher enqueues orchestration jobs and manages queue state
type Dispatcher interface {
	AddJob(ctx context.Context, spec JobSpec) (*domain.Job, error)
	AddHighPriorityJob(ctx context.Context, spec JobSpec) (*domain.Job, error)

	// IsConfigured reports whether a real queue backend is attached
	IsConfigured() bool

	IsPaused() bool
	Pause()
	Resume()

	Stats(ctx context.Context) (QueueStats, error)
	FailedJobs(ctx context.Context, limit int) ([]*domain.Job, error)

	// RetryAllFailed re-enters every failed job with attempts left;
	// RetryFailedSince is the windowed variant the maintenance worker
	// runs on its tick.
	RetryAllFailed(ctx context.Context) (int, error)
	RetryFailedSince(ctx context.Context, since time.Time, limit int) (int, error)

	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// New picks the queued strategy when a coordinator is present, the
// direct in-process fallback otherwise
func New(st *store.Store, runner *orchestrator.Runner, coord *workerpool.Coordinator) Dispatcher {
	if coord != nil {
		return NewQueued(st, coord)
	}
	return NewDirect(st, runner)
}

// AsSubmitter adapts a Dispatcher to the eligibility sweep's submitter
// interface
func AsSubmitter(d Dispatcher) orchestrator.JobSubmitter {
	return dispatchSubmitter{d}
}

type dispatchSubmitter struct{ d Dispatcher }

func (s dispatchSubmitter) AddJob(ctx context.Context, projectID string, trigger domain.TriggerSource) (*domain.Job, error) {
	return s.d.AddJob(ctx, JobSpec{ProjectID: projectID, Trigger: trigger})
}

// newJobFromSpec validates the spec and builds the job row
func newJobFromSpec(spec JobSpec) (*domain.Job, error) {
	if spec.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	jobType := spec.Type
	if jobType == "" {
		jobType = domain.JobTypeBatch
	}
	if jobType == domain.JobTypeSingleAgent && spec.AgentID == "" {
		return nil, fmt.Errorf("agent id is required for single agent jobs")
	}

	trigger := spec.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}

	priority := spec.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	return &domain.Job{
		ID:            uuid.NewString(),
		ProjectID:     spec.ProjectID,
		Type:          jobType,
		Trigger:       trigger,
		TriggeredBy:   spec.TriggeredBy,
		AgentID:       spec.AgentID,
		Status:        domain.JobQueued,
		Priority:      priority,
		ScheduledAt:   now,
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
	}, nil
}

// statsFromStore fills the store-derived part of QueueStats
func statsFromStore(st *store.Store) (QueueStats, error) {
	counts, err := st.CountJobsByStatus()
	if err != nil {
		return QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	return QueueStats{
		Waiting:   counts[domain.JobQueued],
		Active:    counts[domain.JobRunning],
		Completed: counts[domain.JobCompleted],
		Failed:    counts[domain.JobFailed],
	}, nil
}
