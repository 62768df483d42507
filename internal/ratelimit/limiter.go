package ratelimit

import (
	"errors"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// Deny reasons reported in Decision.Reason.
const (
	ReasonNotConfigured   = "not_configured"
	ReasonDisabled        = "disabled"
	ReasonPendingApproval = "pending_approval"
	ReasonHourlyLimit     = "hourly_limit_reached"
	ReasonDailyLimit      = "daily_limit_reached"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Usage is a point-in-time snapshot of an action's consumption.
type Usage struct {
	ProjectID    string           `json:"project_id"`
	ActionKey    string           `json:"action_key"`
	Enabled      bool             `json:"enabled"`
	Risk         domain.RiskLevel `json:"risk"`
	UsedToday    int              `json:"used_today"`
	UsedLastHour int              `json:"used_last_hour"`
	MaxPerDay    int              `json:"max_per_day"`
	MaxPerHour   int              `json:"max_per_hour"`
}

// Limiter enforces per-action daily and rolling-hour budgets backed by
// the store's atomic counter update.
type Limiter struct {
	store *store.Store
	now   func() time.Time
}

// New creates a Limiter.
func New(s *store.Store) *Limiter {
	return &Limiter{store: s, now: time.Now}
}

// CheckAndIncrement decides whether one use of the action may proceed
// and, if allowed, records it. Check and record are a single store
// update; a denied call records nothing. Day boundaries are UTC.
func (l *Limiter) CheckAndIncrement(projectID, actionKey string) (Decision, error) {
	cfg, err := l.store.GetActionConfig(projectID, actionKey)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Reason: ReasonNotConfigured}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if !cfg.Enabled {
		return Decision{Reason: ReasonDisabled}, nil
	}
	if cfg.NeedsApproval() {
		return Decision{Reason: ReasonPendingApproval}, nil
	}

	now := l.now().UTC()
	granted, err := l.store.TryConsumeAction(projectID, actionKey, now, now.Format("2006-01-02"))
	if err != nil {
		return Decision{}, err
	}
	if granted {
		return Decision{Allowed: true}, nil
	}

	// Denied by a limit; work out which one for the caller's log.
	used, err := l.store.CountActionUsageSince(projectID, actionKey, now.Add(-time.Hour))
	if err != nil {
		return Decision{}, err
	}
	if used >= cfg.MaxPerHour {
		return Decision{Reason: ReasonHourlyLimit}, nil
	}
	return Decision{Reason: ReasonDailyLimit}, nil
}

// Usage reports an action's current consumption against its limits.
func (l *Limiter) Usage(projectID, actionKey string) (*Usage, error) {
	cfg, err := l.store.GetActionConfig(projectID, actionKey)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	lastHour, err := l.store.CountActionUsageSince(projectID, actionKey, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	usedToday := cfg.TimesUsedToday
	if cfg.LastResetDate != now.Format("2006-01-02") {
		usedToday = 0
	}

	return &Usage{
		ProjectID:    projectID,
		ActionKey:    actionKey,
		Enabled:      cfg.Enabled,
		Risk:         cfg.Risk,
		UsedToday:    usedToday,
		UsedLastHour: lastHour,
		MaxPerDay:    cfg.MaxPerDay,
		MaxPerHour:   cfg.MaxPerHour,
	}, nil
}
