package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// UpsertProject inserts or updates a project mirror row
func (s *Store) UpsertProject(p *domain.Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, repo, archived, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			repo = excluded.repo,
			archived = excluded.archived
	`,
		p.ID,
		p.Name,
		p.Repo,
		p.Archived,
		p.CreatedAt,
	)
	return err
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(id string) (*domain.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, repo, archived, created_at
		FROM projects WHERE id = ?
	`, id)

	var p domain.Project
	var repo sql.NullString
	err := row.Scan(&p.ID, &p.Name, &repo, &p.Archived, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Repo = nullStr(repo)
	return &p, nil
}

// ListProjects returns all projects, optionally including archived ones
func (s *Store) ListProjects(includeArchived bool) ([]*domain.Project, error) {
	query := `SELECT id, name, repo, archived, created_at FROM projects`
	if !includeArchived {
		query += ` WHERE archived = FALSE`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var repo sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &repo, &p.Archived, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Repo = nullStr(repo)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// ProjectIDsWithEnabledSchedules returns ids of non-archived projects
// that have at least one enabled schedule
func (s *Store) ProjectIDsWithEnabledSchedules() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT sch.project_id
		FROM orchestration_schedules sch
		JOIN projects p ON p.id = sch.project_id
		WHERE sch.enabled = TRUE AND p.archived = FALSE
		ORDER BY sch.project_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
