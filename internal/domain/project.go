package domain

import "time"

// Project is the minimal project mirror the orchestrator needs.
// The full CRM entity lives elsewhere in the platform.
type Project struct {
	ID       string
	Name     string
	Repo     string // "owner/name", empty when no repository is linked
	Archived bool

	CreatedAt time.Time
}
