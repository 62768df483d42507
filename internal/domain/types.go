package domain

// JobStatus represents the lifecycle state of an orchestration job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobType distinguishes full-batch runs from single-agent runs
type JobType string

const (
	JobTypeBatch       JobType = "batch"
	JobTypeSingleAgent JobType = "single_agent"
)

// TriggerSource records what caused a job to be dispatched
type TriggerSource string

const (
	TriggerCron   TriggerSource = "cron"
	TriggerManual TriggerSource = "manual"
	TriggerRetry  TriggerSource = "retry_scheduler"
)

// Cadence is how often a schedule wants its agent evaluated
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceEvery4h Cadence = "every_4h"
	CadenceEvery8h Cadence = "every_8h"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceCustom  Cadence = "custom"
)

// LogStatus represents the outcome of one agent execution within a job
type LogStatus string

const (
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
)

// RiskLevel classifies how dangerous an automated action is
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)
