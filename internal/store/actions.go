package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// UpsertActionConfig inserts or updates an action's rate-limit policy.
// Usage counters are owned by TryConsumeAction and the daily reset.
func (s *Store) UpsertActionConfig(a *domain.ActionConfig) error {
	res, err := s.db.Exec(`
		INSERT INTO action_configs
			(project_id, action_key, enabled, requires_approval, auto_approve_low_risk, risk,
			 max_per_day, max_per_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, action_key) DO UPDATE SET
			enabled = excluded.enabled,
			requires_approval = excluded.requires_approval,
			auto_approve_low_risk = excluded.auto_approve_low_risk,
			risk = excluded.risk,
			max_per_day = excluded.max_per_day,
			max_per_hour = excluded.max_per_hour
	`,
		a.ProjectID,
		a.ActionKey,
		a.Enabled,
		a.RequiresApproval,
		a.AutoApproveLowRisk,
		string(a.Risk),
		a.MaxPerDay,
		a.MaxPerHour,
	)
	if err != nil {
		return err
	}

	if a.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			a.ID = id
		}
	}
	return nil
}

// GetActionConfig retrieves the policy for one (project, action) pair
func (s *Store) GetActionConfig(projectID, actionKey string) (*domain.ActionConfig, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, action_key, enabled, requires_approval, auto_approve_low_risk,
			risk, max_per_day, max_per_hour, times_used_today, times_used_total,
			last_reset_date, last_used_at
		FROM action_configs WHERE project_id = ? AND action_key = ?
	`, projectID, actionKey)

	a, err := scanActionConfig(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action config %s/%s: %w", projectID, actionKey, ErrNotFound)
	}
	return a, err
}

// ListActionConfigs returns all action policies for a project
func (s *Store) ListActionConfigs(projectID string) ([]*domain.ActionConfig, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, action_key, enabled, requires_approval, auto_approve_low_risk,
			risk, max_per_day, max_per_hour, times_used_today, times_used_total,
			last_reset_date, last_used_at
		FROM action_configs WHERE project_id = ?
		ORDER BY action_key
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.ActionConfig
	for rows.Next() {
		a, err := scanActionConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, a)
	}
	return configs, rows.Err()
}

// TryConsumeAction atomically checks the daily and rolling-hour limits
// and, when both allow, increments the usage counters. The check and
// the increment are one guarded UPDATE, so concurrent callers can never
// both pass a nearly-exhausted limit. A counter belonging to a previous
// day rolls over to 1 in the same statement.
func (s *Store) TryConsumeAction(projectID, actionKey string, now time.Time, today string) (bool, error) {
	hourAgo := now.Add(-time.Hour)

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE action_configs SET
			times_used_today = CASE WHEN last_reset_date = ? THEN times_used_today ELSE 0 END + 1,
			last_reset_date = ?,
			times_used_total = times_used_total + 1,
			last_used_at = ?
		WHERE project_id = ? AND action_key = ? AND enabled = TRUE
			AND (CASE WHEN last_reset_date = ? THEN times_used_today ELSE 0 END) < max_per_day
			AND (SELECT COUNT(*) FROM action_usage au
				WHERE au.project_id = action_configs.project_id
					AND au.action_key = action_configs.action_key
					AND au.used_at > ?) < max_per_hour
	`,
		today,
		today,
		now,
		projectID,
		actionKey,
		today,
		hourAgo,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO action_usage (project_id, action_key, used_at) VALUES (?, ?, ?)
	`, projectID, actionKey, now); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// CountActionUsageSince returns how many allowed uses happened after
// the given instant
func (s *Store) CountActionUsageSince(projectID, actionKey string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM action_usage
		WHERE project_id = ? AND action_key = ? AND used_at > ?
	`, projectID, actionKey, since).Scan(&n)
	return n, err
}

// ResetDailyActionCounters zeroes times_used_today for configs whose
// stored reset date is not today. The date guard makes the reset
// idempotent per UTC day no matter how many cleanup ticks run.
func (s *Store) ResetDailyActionCounters(today string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE action_configs SET times_used_today = 0, last_reset_date = ?
		WHERE last_reset_date IS NULL OR last_reset_date <> ?
	`, today, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneActionUsage deletes usage rows older than the cutoff. Only the
// trailing hour matters for rate limiting; the rest is noise.
func (s *Store) PruneActionUsage(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM action_usage WHERE used_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanActionConfig(scan func(dest ...interface{}) error) (*domain.ActionConfig, error) {
	var a domain.ActionConfig
	var risk string
	var lastResetDate sql.NullString
	var lastUsedAt sql.NullTime

	err := scan(
		&a.ID, &a.ProjectID, &a.ActionKey, &a.Enabled, &a.RequiresApproval, &a.AutoApproveLowRisk,
		&risk, &a.MaxPerDay, &a.MaxPerHour, &a.TimesUsedToday, &a.TimesUsedTotal,
		&lastResetDate, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Risk = domain.RiskLevel(risk)
	a.LastResetDate = nullStr(lastResetDate)
	a.LastUsedAt = timePtr(lastUsedAt)
	return &a, nil
}
