package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

const scheduleColumns = `id, project_id, agent_id, enabled, cadence, cron_expr, timezone,
	run_after, run_before, weekdays, min_interval_minutes, max_runs_per_day, priority,
	last_run_at, last_success_at, consecutive_failures, total_runs, total_successes,
	runs_today, runs_today_date, created_at, updated_at`

// UpsertSchedule inserts or updates a schedule's configuration.
// Rolling counters are never touched here; MarkScheduleRun owns those.
func (s *Store) UpsertSchedule(sch *domain.Schedule) error {
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	sch.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO orchestration_schedules
			(project_id, agent_id, enabled, cadence, cron_expr, timezone, run_after, run_before,
			 weekdays, min_interval_minutes, max_runs_per_day, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, agent_id) DO UPDATE SET
			enabled = excluded.enabled,
			cadence = excluded.cadence,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			run_after = excluded.run_after,
			run_before = excluded.run_before,
			weekdays = excluded.weekdays,
			min_interval_minutes = excluded.min_interval_minutes,
			max_runs_per_day = excluded.max_runs_per_day,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`,
		sch.ProjectID,
		sch.AgentID,
		sch.Enabled,
		string(sch.Cadence),
		sch.CronExpr,
		sch.Timezone,
		sch.RunAfter,
		sch.RunBefore,
		sch.WeekdaysString(),
		sch.MinIntervalMinutes,
		sch.MaxRunsPerDay,
		sch.Priority,
		sch.CreatedAt,
		sch.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if sch.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			sch.ID = id
		}
	}
	return nil
}

// GetSchedule retrieves the schedule for one (project, agent) pair
func (s *Store) GetSchedule(projectID, agentID string) (*domain.Schedule, error) {
	row := s.db.QueryRow(`
		SELECT `+scheduleColumns+`
		FROM orchestration_schedules WHERE project_id = ? AND agent_id = ?
	`, projectID, agentID)

	sch, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s/%s: %w", projectID, agentID, ErrNotFound)
	}
	return sch, err
}

// ScheduleListOptions specifies filters for listing schedules
type ScheduleListOptions struct {
	ProjectID   string
	EnabledOnly bool
}

// ListSchedules returns schedules matching the given options
func (s *Store) ListSchedules(opts ScheduleListOptions) ([]*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM orchestration_schedules WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.EnabledOnly {
		query += " AND enabled = TRUE"
	}

	query += " ORDER BY project_id, priority DESC, agent_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

// MarkScheduleRun records one agent run against a schedule: bumps the
// run counters, rolls the per-day counter when localDate has changed,
// and tracks the success/failure streak.
func (s *Store) MarkScheduleRun(id int64, at time.Time, success bool, localDate string) error {
	_, err := s.db.Exec(`
		UPDATE orchestration_schedules SET
			last_run_at = ?,
			total_runs = total_runs + 1,
			runs_today = CASE WHEN runs_today_date = ? THEN runs_today + 1 ELSE 1 END,
			runs_today_date = ?,
			last_success_at = CASE WHEN ? THEN ? ELSE last_success_at END,
			total_successes = total_successes + CASE WHEN ? THEN 1 ELSE 0 END,
			consecutive_failures = CASE WHEN ? THEN 0 ELSE consecutive_failures + 1 END,
			updated_at = ?
		WHERE id = ?
	`,
		at,
		localDate,
		localDate,
		success, at,
		success,
		success,
		time.Now().UTC(),
		id,
	)
	return err
}

// SetScheduleEnabled flips a schedule's enabled flag
func (s *Store) SetScheduleEnabled(projectID, agentID string, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE orchestration_schedules SET enabled = ?, updated_at = ?
		WHERE project_id = ? AND agent_id = ?
	`, enabled, time.Now().UTC(), projectID, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s/%s: %w", projectID, agentID, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule. Deletion is an explicit user
// action; the orchestrator itself never calls this.
func (s *Store) DeleteSchedule(projectID, agentID string) error {
	res, err := s.db.Exec(`
		DELETE FROM orchestration_schedules WHERE project_id = ? AND agent_id = ?
	`, projectID, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s/%s: %w", projectID, agentID, ErrNotFound)
	}
	return nil
}

func scanSchedule(scan func(dest ...interface{}) error) (*domain.Schedule, error) {
	var sch domain.Schedule
	var cadence string
	var cronExpr, timezone, runAfter, runBefore, weekdays, runsTodayDate sql.NullString
	var lastRunAt, lastSuccessAt sql.NullTime

	err := scan(
		&sch.ID, &sch.ProjectID, &sch.AgentID, &sch.Enabled, &cadence, &cronExpr, &timezone,
		&runAfter, &runBefore, &weekdays, &sch.MinIntervalMinutes, &sch.MaxRunsPerDay, &sch.Priority,
		&lastRunAt, &lastSuccessAt, &sch.ConsecutiveFailures, &sch.TotalRuns, &sch.TotalSuccesses,
		&sch.RunsToday, &runsTodayDate, &sch.CreatedAt, &sch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sch.Cadence = domain.Cadence(cadence)
	sch.CronExpr = nullStr(cronExpr)
	sch.Timezone = nullStr(timezone)
	sch.RunAfter = nullStr(runAfter)
	sch.RunBefore = nullStr(runBefore)
	sch.RunsTodayDate = nullStr(runsTodayDate)
	sch.LastRunAt = timePtr(lastRunAt)
	sch.LastSuccessAt = timePtr(lastSuccessAt)

	days, err := domain.ParseWeekdays(nullStr(weekdays))
	if err != nil {
		return nil, fmt.Errorf("schedule %d: %w", sch.ID, err)
	}
	sch.Weekdays = days

	return &sch, nil
}
