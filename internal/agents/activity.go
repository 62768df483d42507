package agents

import (
	"context"
	"fmt"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/ghanalysis"
	"github.com/manicinc/synthstack-sub004/internal/notify"
	"github.com/manicinc/synthstack-sub004/internal/ratelimit"
)

// ActionKeyActivitySummary is the rate-limited action the activity
// agent consumes when it posts a summary.
const ActionKeyActivitySummary = "post_activity_summary"

// AnalysisProvider yields repository analyses. *ghanalysis.Cache
// satisfies it.
type AnalysisProvider interface {
	Get(ctx context.Context, projectID string, periodHours int, refresh bool) (*ghanalysis.Result, error)
}

// ActionGate decides whether a rate-limited action may run.
// *ratelimit.Limiter satisfies it.
type ActionGate interface {
	CheckAndIncrement(projectID, actionKey string) (ratelimit.Decision, error)
}

// ActivityAgent triages recent repository activity and posts a summary
// notification when there is movement worth reporting.
type ActivityAgent struct {
	analyses AnalysisProvider
	gate     ActionGate
	notifier notify.Notifier
	period   int // trailing window in hours
}

// NewActivityAgent creates the built-in repo activity agent. A
// periodHours of zero defaults to the trailing day.
func NewActivityAgent(analyses AnalysisProvider, gate ActionGate, notifier notify.Notifier, periodHours int) *ActivityAgent {
	if periodHours <= 0 {
		periodHours = 24
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &ActivityAgent{analyses: analyses, gate: gate, notifier: notifier, period: periodHours}
}

// ID returns the agent identifier.
func (a *ActivityAgent) ID() string { return "repo-activity" }

// Describe returns the purpose line.
func (a *ActivityAgent) Describe() string {
	return "summarizes recent repository activity and posts a digest"
}

// Execute analyzes the trailing window and, if the project moved,
// posts a digest subject to the action rate limit.
func (a *ActivityAgent) Execute(ctx context.Context, in Input) (*domain.AgentResult, error) {
	res, err := a.analyses.Get(ctx, in.Project.ID, a.period, false)
	if err != nil {
		return nil, fmt.Errorf("repo activity: %w", err)
	}
	analysis := res.Analysis

	out := &domain.AgentResult{Phase: "analyze"}
	if analysis.CommitCount == 0 && analysis.PullRequestsOpened == 0 && analysis.IssuesOpened == 0 {
		out.DoNothingReason = "no_recent_activity"
		return out, nil
	}

	out.ShouldAct = true
	out.ConfidenceScore = activityConfidence(analysis)
	out.ActionsProposed = 1

	decision, err := a.gate.CheckAndIncrement(in.Project.ID, ActionKeyActivitySummary)
	if err != nil {
		return nil, fmt.Errorf("repo activity: %w", err)
	}
	if !decision.Allowed {
		out.DoNothingReason = decision.Reason
		return out, nil
	}

	out.Phase = "act"
	title := fmt.Sprintf("%s: activity in the last %dh", in.Project.Name, a.period)
	if err := a.notifier.Send(notify.Notification{
		Title:     title,
		Message:   analysis.Summary,
		Type:      notify.NotifyInfo,
		ProjectID: in.Project.ID,
	}); err != nil {
		return nil, fmt.Errorf("repo activity: send digest: %w", err)
	}
	out.ActionsExecuted = 1
	return out, nil
}

// activityConfidence scales with how much happened, capped at 1.
func activityConfidence(a *domain.Analysis) float64 {
	score := float64(a.CommitCount+2*a.PullRequestsOpened+a.IssuesOpened) / 20
	if score > 1 {
		return 1
	}
	return score
}
