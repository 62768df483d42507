package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// GetAnalysisEntry retrieves the cached analysis for one
// (project, period-hours) key, stale or not; callers decide usability.
func (s *Store) GetAnalysisEntry(projectID string, periodHours int) (*domain.AnalysisEntry, error) {
	row := s.db.QueryRow(`
		SELECT project_id, period_hours, payload, computed_at, expires_at, is_stale
		FROM github_analysis_cache WHERE project_id = ? AND period_hours = ?
	`, projectID, periodHours)

	var e domain.AnalysisEntry
	var payload string
	err := row.Scan(&e.ProjectID, &e.PeriodHours, &payload, &e.ComputedAt, &e.ExpiresAt, &e.IsStale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s/%dh: %w", projectID, periodHours, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &e.Analysis); err != nil {
		return nil, fmt.Errorf("decoding analysis payload: %w", err)
	}
	return &e, nil
}

// PutAnalysisEntry inserts or refreshes a cache entry and clears its
// staleness flag
func (s *Store) PutAnalysisEntry(e *domain.AnalysisEntry) error {
	payload, err := json.Marshal(e.Analysis)
	if err != nil {
		return fmt.Errorf("encoding analysis payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO github_analysis_cache (project_id, period_hours, payload, computed_at, expires_at, is_stale)
		VALUES (?, ?, ?, ?, ?, FALSE)
		ON CONFLICT(project_id, period_hours) DO UPDATE SET
			payload = excluded.payload,
			computed_at = excluded.computed_at,
			expires_at = excluded.expires_at,
			is_stale = FALSE
	`,
		e.ProjectID,
		e.PeriodHours,
		string(payload),
		e.ComputedAt,
		e.ExpiresAt,
	)
	return err
}

// MarkAnalysisStale flags every cached entry for a project as stale so
// concurrent readers see staleness before the refresh lands
func (s *Store) MarkAnalysisStale(projectID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE github_analysis_cache SET is_stale = TRUE WHERE project_id = ?
	`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteDeadAnalyses purges entries that are expired or explicitly stale
func (s *Store) DeleteDeadAnalyses(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM github_analysis_cache WHERE expires_at <= ? OR is_stale = TRUE
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
