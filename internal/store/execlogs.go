package store

import (
	"database/sql"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// AppendExecutionLog inserts one agent execution record. Insertion
// order is the order agents were evaluated within the job.
func (s *Store) AppendExecutionLog(l *domain.ExecutionLog) error {
	res, err := s.db.Exec(`
		INSERT INTO execution_logs
			(job_id, project_id, agent_id, phase, status, started_at, completed_at, duration_ms,
			 should_act, do_nothing_reason, confidence_score, actions_proposed, actions_executed,
			 suggestions_created, tasks_created, tokens_used, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.JobID,
		l.ProjectID,
		l.AgentID,
		l.Phase,
		string(l.Status),
		l.StartedAt,
		nullTime(l.CompletedAt),
		l.DurationMs,
		l.ShouldAct,
		l.DoNothingReason,
		l.ConfidenceScore,
		l.ActionsProposed,
		l.ActionsExecuted,
		l.SuggestionsCreated,
		l.TasksCreated,
		l.TokensUsed,
		l.Error,
	)
	if err != nil {
		return err
	}

	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// ListExecutionLogs returns a job's logs in evaluation order
func (s *Store) ListExecutionLogs(jobID string) ([]*domain.ExecutionLog, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, project_id, agent_id, phase, status, started_at, completed_at,
			duration_ms, should_act, do_nothing_reason, confidence_score, actions_proposed,
			actions_executed, suggestions_created, tasks_created, tokens_used, error
		FROM execution_logs WHERE job_id = ?
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.ExecutionLog
	for rows.Next() {
		var l domain.ExecutionLog
		var phase, status string
		var doNothing, logErr sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(
			&l.ID, &l.JobID, &l.ProjectID, &l.AgentID, &phase, &status, &l.StartedAt, &completedAt,
			&l.DurationMs, &l.ShouldAct, &doNothing, &l.ConfidenceScore, &l.ActionsProposed,
			&l.ActionsExecuted, &l.SuggestionsCreated, &l.TasksCreated, &l.TokensUsed, &logErr,
		)
		if err != nil {
			return nil, err
		}

		l.Phase = phase
		l.Status = domain.LogStatus(status)
		l.DoNothingReason = nullStr(doNothing)
		l.Error = nullStr(logErr)
		l.CompletedAt = timePtr(completedAt)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// DeleteExecutionLogsBefore removes logs started before the cutoff.
// This is the audit-retention sweep; logs of deleted jobs are already
// gone via the cascade.
func (s *Store) DeleteExecutionLogsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM execution_logs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
