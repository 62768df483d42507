package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

const jobColumns = `id, project_id, job_type, trigger_source, triggered_by, agent_id,
	status, priority, scheduled_at, started_at, completed_at, duration_ms,
	agents_executed, agents_succeeded, agents_failed, tasks_created,
	attempt_number, max_attempts, error, summary, created_at`

// CreateJob inserts a new job row. The dispatcher creates every job in
// queued status before anything executes, so job state stays queryable
// even when the queue backend is ephemeral.
func (s *Store) CreateJob(j *domain.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}

	_, err := s.db.Exec(`
		INSERT INTO orchestration_jobs
			(id, project_id, job_type, trigger_source, triggered_by, agent_id, status, priority,
			 scheduled_at, attempt_number, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.ProjectID,
		string(j.Type),
		string(j.Trigger),
		j.TriggeredBy,
		j.AgentID,
		string(j.Status),
		j.Priority,
		j.ScheduledAt,
		j.AttemptNumber,
		j.MaxAttempts,
		j.CreatedAt,
	)
	return err
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*domain.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM orchestration_jobs WHERE id = ?`, id)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// JobListOptions specifies filters for listing jobs
type JobListOptions struct {
	ProjectID string
	Status    domain.JobStatus
	Limit     int
}

// ListJobs returns jobs matching the given options, newest first
func (s *Store) ListJobs(opts JobListOptions) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM orchestration_jobs WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListQueuedJobs returns queued jobs in dispatch order: highest
// priority first, oldest first within a priority.
func (s *Store) ListQueuedJobs() ([]*domain.Job, error) {
	rows, err := s.db.Query(`
		SELECT ` + jobColumns + ` FROM orchestration_jobs
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a queued job to running. Returns false when another
// worker already claimed it or the job was cancelled meanwhile.
func (s *Store) ClaimJob(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE orchestration_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'queued'
	`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishJob persists a running job's terminal aggregates. The guard on
// status keeps an out-of-band cancellation from being overwritten.
func (s *Store) FinishJob(j *domain.Job) error {
	_, err := s.db.Exec(`
		UPDATE orchestration_jobs SET
			status = ?,
			completed_at = ?,
			duration_ms = ?,
			agents_executed = ?,
			agents_succeeded = ?,
			agents_failed = ?,
			tasks_created = ?,
			error = ?,
			summary = ?
		WHERE id = ? AND status = 'running'
	`,
		string(j.Status),
		nullTime(j.CompletedAt),
		j.DurationMs,
		j.AgentsExecuted,
		j.AgentsSucceeded,
		j.AgentsFailed,
		j.TasksCreated,
		j.Error,
		j.Summary,
		j.ID,
	)
	return err
}

// CancelJob marks a queued or running job cancelled. Returns false when
// the job was already terminal.
func (s *Store) CancelJob(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE orchestration_jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetJobStatus returns just the status column for cheap cancellation
// checks between agent invocations
func (s *Store) GetJobStatus(id string) (domain.JobStatus, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM orchestration_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.JobStatus(status), nil
}

// CountJobsByStatus returns job counts grouped by status
func (s *Store) CountJobsByStatus() (map[domain.JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM orchestration_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// ActiveJobExists reports whether the project already has a batch job
// queued or running
func (s *Store) ActiveJobExists(projectID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM orchestration_jobs
		WHERE project_id = ? AND job_type = 'batch' AND status IN ('queued', 'running')
	`, projectID).Scan(&n)
	return n > 0, err
}

// RetryableJobs returns failed jobs created within the window that have
// attempts left, oldest first
func (s *Store) RetryableJobs(since time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM orchestration_jobs
		WHERE status = 'failed' AND attempt_number < max_attempts AND created_at >= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RequeueJob re-enters a failed job into the queue as a new attempt.
// Returns false when the job is no longer failed or is out of attempts.
func (s *Store) RequeueJob(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE orchestration_jobs SET
			status = 'queued',
			attempt_number = attempt_number + 1,
			started_at = NULL,
			completed_at = NULL,
			duration_ms = 0,
			error = ''
		WHERE id = ? AND status = 'failed' AND attempt_number < max_attempts
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseRunningJob pushes a running job back into the queue, used when
// the worker holding it disconnects mid-run. The interrupted run is not
// counted as an attempt.
func (s *Store) ReleaseRunningJob(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE orchestration_jobs SET status = 'queued', started_at = NULL
		WHERE id = ? AND status = 'running'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteTerminalJobsBefore removes terminal jobs created before the
// cutoff. Execution logs cascade with their job.
func (s *Store) DeleteTerminalJobsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM orchestration_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkStuckJobsFailed fails jobs that have sat in running since before
// the cutoff, so the retry worker can pick them up
func (s *Store) MarkStuckJobsFailed(cutoff time.Time, reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE orchestration_jobs SET status = 'failed', completed_at = ?, error = ?
		WHERE status = 'running' AND started_at < ?
	`, time.Now().UTC(), reason, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(scan func(dest ...interface{}) error) (*domain.Job, error) {
	var j domain.Job
	var jobType, trigger, status string
	var triggeredBy, agentID, jobErr, summary sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := scan(
		&j.ID, &j.ProjectID, &jobType, &trigger, &triggeredBy, &agentID,
		&status, &j.Priority, &scheduledAt, &startedAt, &completedAt, &j.DurationMs,
		&j.AgentsExecuted, &j.AgentsSucceeded, &j.AgentsFailed, &j.TasksCreated,
		&j.AttemptNumber, &j.MaxAttempts, &jobErr, &summary, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = domain.JobType(jobType)
	j.Trigger = domain.TriggerSource(trigger)
	j.Status = domain.JobStatus(status)
	j.TriggeredBy = nullStr(triggeredBy)
	j.AgentID = nullStr(agentID)
	j.Error = nullStr(jobErr)
	j.Summary = nullStr(summary)
	if scheduledAt.Valid {
		j.ScheduledAt = scheduledAt.Time
	}
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)

	return &j, nil
}
