package domain

import "time"

// Job is one orchestration dispatch, batch or single-agent
type Job struct {
	ID          string
	ProjectID   string
	Type        JobType
	Trigger     TriggerSource
	TriggeredBy string // user id, empty for automated triggers
	AgentID     string // set only for JobTypeSingleAgent

	Status   JobStatus
	Priority int

	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64

	AgentsExecuted  int
	AgentsSucceeded int
	AgentsFailed    int
	TasksCreated    int

	AttemptNumber int
	MaxAttempts   int

	Error   string
	Summary string

	CreatedAt time.Time
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanRetry reports whether the retry worker may re-submit this job
func (j *Job) CanRetry() bool {
	return j.Status == JobFailed && j.AttemptNumber < j.MaxAttempts
}
