package domain

import "time"

// ActionConfig is the per-project rate-limit policy for one action key
type ActionConfig struct {
	ID        int64
	ProjectID string
	ActionKey string

	Enabled            bool
	RequiresApproval   bool
	AutoApproveLowRisk bool
	Risk               RiskLevel

	MaxPerDay  int
	MaxPerHour int

	TimesUsedToday int
	TimesUsedTotal int
	LastResetDate  string // YYYY-MM-DD UTC, guards the daily reset
	LastUsedAt     *time.Time
}

// NeedsApproval reports whether using this action requires an explicit
// human approval step before execution.
func (a *ActionConfig) NeedsApproval() bool {
	if !a.RequiresApproval {
		return false
	}
	if a.AutoApproveLowRisk && a.Risk == RiskLow {
		return false
	}
	return true
}
