package domain

import "time"

// Analysis summarizes recent activity in a project's linked repository
type Analysis struct {
	Repo               string `json:"repo"`
	PeriodHours        int    `json:"period_hours"`
	CommitCount        int    `json:"commit_count"`
	PullRequestsOpened int    `json:"pull_requests_opened"`
	PullRequestsMerged int    `json:"pull_requests_merged"`
	IssuesOpened       int    `json:"issues_opened"`
	IssuesClosed       int    `json:"issues_closed"`

	ActiveContributors []string   `json:"active_contributors,omitempty"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
	Summary            string     `json:"summary,omitempty"`
}

// AnalysisEntry is the cached form of an Analysis, unique per
// (project, period-hours) key
type AnalysisEntry struct {
	ProjectID   string
	PeriodHours int
	Analysis    Analysis
	ComputedAt  time.Time
	ExpiresAt   time.Time
	IsStale     bool
}

// Expired reports whether the entry's TTL has passed. An expired entry
// is functionally equivalent to a missing one.
func (e *AnalysisEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Usable reports whether a read may return this entry without the
// caller opting into stale data.
func (e *AnalysisEntry) Usable(now time.Time) bool {
	return !e.IsStale && !e.Expired(now)
}
