package domain

import "time"

// ExecutionLog records one agent execution within a job. Rows are
// append-only once the owning job reaches a terminal state.
type ExecutionLog struct {
	ID        int64
	JobID     string
	ProjectID string
	AgentID   string

	Phase  string // free-form pipeline stage, e.g. "analyze", "decide", "act"
	Status LogStatus

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  int64

	ShouldAct       bool
	DoNothingReason string
	ConfidenceScore float64

	ActionsProposed    int
	ActionsExecuted    int
	SuggestionsCreated int
	TasksCreated       int
	TokensUsed         int

	Error string
}

// AgentResult is what an agent's execution unit reports back on success.
// A failed execution reports an error instead.
type AgentResult struct {
	Phase              string
	ShouldAct          bool
	DoNothingReason    string
	ConfidenceScore    float64
	ActionsProposed    int
	ActionsExecuted    int
	SuggestionsCreated int
	TasksCreated       int
	TokensUsed         int
}
