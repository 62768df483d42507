package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/agents"
	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/notify"
	"github.com/manicinc/synthstack-sub004/internal/schedule"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// DefaultAgentTimeout bounds a single agent execution within a batch.
const DefaultAgentTimeout = 10 * time.Minute

// Runner executes orchestration jobs: it claims a job, works out which
// scheduled agents are due, runs them in priority order and records the
// outcome. One failing agent never aborts the rest of the batch.
type Runner struct {
	store        *store.Store
	registry     *agents.Registry
	evaluator    *schedule.Evaluator
	notifier     notify.Notifier
	agentTimeout time.Duration
	now          func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(s *store.Store, registry *agents.Registry, notifier notify.Notifier, agentTimeout time.Duration) *Runner {
	if agentTimeout <= 0 {
		agentTimeout = DefaultAgentTimeout
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Runner{
		store:        s,
		registry:     registry,
		evaluator:    schedule.NewEvaluator(),
		notifier:     notifier,
		agentTimeout: agentTimeout,
		now:          time.Now,
	}
}

// Run claims and executes one job. Delivery is at-least-once, so a job
// that is no longer claimable is skipped without error.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	claimed, err := r.store.ClaimJob(jobID, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("job %s: not claimable, skipping duplicate delivery", jobID)
		return nil
	}

	job, err := r.store.GetJob(jobID)
	if err != nil {
		return err
	}

	log.Printf("job %s: started (%s, project %s, trigger %s, attempt %d/%d)",
		job.ID, job.Type, job.ProjectID, job.Trigger, job.AttemptNumber, job.MaxAttempts)

	if job.Type == domain.JobTypeSingleAgent {
		return r.runSingle(ctx, job)
	}
	return r.runBatch(ctx, job)
}

func (r *Runner) runBatch(ctx context.Context, job *domain.Job) error {
	logw := newLogWriter(r.store)
	defer logw.Close()

	project, err := r.store.GetProject(job.ProjectID)
	if err != nil {
		return r.finish(job, fmt.Errorf("load project: %w", err))
	}
	if project.Archived {
		job.Summary = "project archived"
		return r.finish(job, nil)
	}

	schedules, err := r.store.ListSchedules(store.ScheduleListOptions{
		ProjectID:   job.ProjectID,
		EnabledOnly: true,
	})
	if err != nil {
		return r.finish(job, fmt.Errorf("load schedules: %w", err))
	}

	eligible := r.evaluator.Eligible(schedules, r.now())
	if len(eligible) == 0 {
		job.Summary = "no eligible schedules"
		return r.finish(job, nil)
	}

	for i, sch := range eligible {
		if stopped, err := r.stopped(ctx, job); err != nil {
			return err
		} else if stopped {
			log.Printf("job %s: stopped after %d of %d agents", job.ID, i, len(eligible))
			return nil
		}
		r.runScheduled(ctx, job, project, sch, logw)
	}

	job.Summary = fmt.Sprintf("%d agents: %d succeeded, %d failed",
		job.AgentsExecuted, job.AgentsSucceeded, job.AgentsFailed)
	if job.AgentsFailed == job.AgentsExecuted {
		return r.finish(job, fmt.Errorf("all %d agents failed", job.AgentsExecuted))
	}
	return r.finish(job, nil)
}

func (r *Runner) runSingle(ctx context.Context, job *domain.Job) error {
	logw := newLogWriter(r.store)
	defer logw.Close()

	project, err := r.store.GetProject(job.ProjectID)
	if err != nil {
		return r.finish(job, fmt.Errorf("load project: %w", err))
	}

	result, execErr := r.execute(ctx, job, project, job.AgentID, nil, logw)
	job.Summary = fmt.Sprintf("agent %s", job.AgentID)
	if execErr != nil {
		return r.finish(job, execErr)
	}
	if result != nil && result.ShouldAct {
		job.Summary = fmt.Sprintf("agent %s: %d actions executed", job.AgentID, result.ActionsExecuted)
	}
	return r.finish(job, nil)
}

// runScheduled executes one scheduled agent inside a batch and records
// the run on the schedule's counters.
func (r *Runner) runScheduled(ctx context.Context, job *domain.Job, project *domain.Project, sch *domain.Schedule, logw *logWriter) {
	startedAt := r.now()
	_, execErr := r.execute(ctx, job, project, sch.AgentID, sch, logw)

	loc, err := sch.Location()
	if err != nil {
		log.Printf("job %s: resolve timezone on schedule %d: %v", job.ID, sch.ID, err)
		return
	}
	localDate := startedAt.In(loc).Format("2006-01-02")
	if err := r.store.MarkScheduleRun(sch.ID, startedAt, execErr == nil, localDate); err != nil {
		log.Printf("job %s: record run on schedule %d: %v", job.ID, sch.ID, err)
	}
}

// execute runs one agent with a bounded timeout, writes its execution
// log and folds the outcome into the job's aggregates.
func (r *Runner) execute(ctx context.Context, job *domain.Job, project *domain.Project, agentID string, sch *domain.Schedule, logw *logWriter) (*domain.AgentResult, error) {
	started := r.now()
	entry := &domain.ExecutionLog{
		JobID:     job.ID,
		ProjectID: project.ID,
		AgentID:   agentID,
		StartedAt: started,
	}

	var result *domain.AgentResult
	var execErr error
	agent, ok := r.registry.Get(agentID)
	if !ok {
		execErr = fmt.Errorf("unknown agent %q", agentID)
	} else {
		runCtx, cancel := context.WithTimeout(ctx, r.agentTimeout)
		result, execErr = agent.Execute(runCtx, agents.Input{
			Project:  project,
			Schedule: sch,
			Trigger:  job.Trigger,
		})
		cancel()
	}

	completed := r.now()
	entry.CompletedAt = &completed
	entry.DurationMs = completed.Sub(started).Milliseconds()

	job.AgentsExecuted++
	switch {
	case execErr != nil:
		entry.Status = domain.LogFailed
		entry.Error = execErr.Error()
		job.AgentsFailed++
		log.Printf("job %s: agent %s failed: %v", job.ID, agentID, execErr)
	case result != nil && result.ShouldAct && result.ActionsExecuted > 0:
		entry.Status = domain.LogCompleted
		job.AgentsSucceeded++
	default:
		// The agent ran fine and decided to do nothing, or its
		// action was held back by a limit.
		entry.Status = domain.LogSkipped
		job.AgentsSucceeded++
	}

	if result != nil {
		entry.Phase = result.Phase
		entry.ShouldAct = result.ShouldAct
		entry.DoNothingReason = result.DoNothingReason
		entry.ConfidenceScore = result.ConfidenceScore
		entry.ActionsProposed = result.ActionsProposed
		entry.ActionsExecuted = result.ActionsExecuted
		entry.SuggestionsCreated = result.SuggestionsCreated
		entry.TasksCreated = result.TasksCreated
		entry.TokensUsed = result.TokensUsed
		job.TasksCreated += result.TasksCreated
	}

	logw.Append(entry)
	return result, execErr
}

// stopped reports whether the job should not run further agents, either
// because the run context ended or the job was cancelled from outside.
func (r *Runner) stopped(ctx context.Context, job *domain.Job) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	default:
	}

	status, err := r.store.GetJobStatus(job.ID)
	if err != nil {
		return false, err
	}
	return status == domain.JobCancelled, nil
}

// finish moves the job to its terminal state. The store refuses the
// update if the job was cancelled underneath us, which is exactly the
// order cancellation should win in.
func (r *Runner) finish(job *domain.Job, execErr error) error {
	completed := r.now()
	job.CompletedAt = &completed
	if job.StartedAt != nil {
		job.DurationMs = completed.Sub(*job.StartedAt).Milliseconds()
	}

	if execErr != nil {
		job.Status = domain.JobFailed
		job.Error = execErr.Error()
	} else {
		job.Status = domain.JobCompleted
	}

	if err := r.store.FinishJob(job); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	log.Printf("job %s: %s (%s)", job.ID, job.Status, job.Summary)

	if job.Status == domain.JobFailed {
		err := r.notifier.Send(notify.Notification{
			Title:     fmt.Sprintf("Orchestration job failed for %s", job.ProjectID),
			Message:   job.Error,
			Type:      notify.NotifyError,
			ProjectID: job.ProjectID,
			JobID:     job.ID,
		})
		if err != nil {
			log.Printf("job %s: notify: %v", job.ID, err)
		}
	}
	return nil
}
