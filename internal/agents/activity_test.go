package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/ghanalysis"
	"github.com/manicinc/synthstack-sub004/internal/notify"
	"github.com/manicinc/synthstack-sub004/internal/ratelimit"
)

type stubProvider struct {
	analysis *domain.Analysis
	err      error
}

func (s stubProvider) Get(ctx context.Context, projectID string, periodHours int, refresh bool) (*ghanalysis.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ghanalysis.Result{Analysis: s.analysis}, nil
}

type stubGate struct {
	decision ratelimit.Decision
	calls    int
}

func (s *stubGate) CheckAndIncrement(projectID, actionKey string) (ratelimit.Decision, error) {
	s.calls++
	return s.decision, nil
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func activityInput() Input {
	return Input{
		Project: &domain.Project{ID: "proj-1", Name: "Proj One", Repo: "org/proj-one"},
		Trigger: domain.TriggerCron,
	}
}

func TestActivityAgent_QuietRepoDoesNothing(t *testing.T) {
	gate := &stubGate{decision: ratelimit.Decision{Allowed: true}}
	sink := &recordingNotifier{}
	agent := NewActivityAgent(stubProvider{analysis: &domain.Analysis{}}, gate, sink, 24)

	res, err := agent.Execute(context.Background(), activityInput())
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldAct {
		t.Error("quiet repo should not trigger action")
	}
	if res.DoNothingReason != "no_recent_activity" {
		t.Errorf("DoNothingReason = %q, want no_recent_activity", res.DoNothingReason)
	}
	if gate.calls != 0 {
		t.Error("rate limit consumed for a do-nothing run")
	}
	if len(sink.sent) != 0 {
		t.Error("notification sent for a quiet repo")
	}
}

func TestActivityAgent_ActiveRepoPostsDigest(t *testing.T) {
	gate := &stubGate{decision: ratelimit.Decision{Allowed: true}}
	sink := &recordingNotifier{}
	analysis := &domain.Analysis{CommitCount: 12, PullRequestsOpened: 3, Summary: "busy week"}
	agent := NewActivityAgent(stubProvider{analysis: analysis}, gate, sink, 24)

	res, err := agent.Execute(context.Background(), activityInput())
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldAct {
		t.Error("active repo should trigger action")
	}
	if res.ActionsExecuted != 1 {
		t.Errorf("ActionsExecuted = %d, want 1", res.ActionsExecuted)
	}
	if res.Phase != "act" {
		t.Errorf("Phase = %q, want act", res.Phase)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sink.sent))
	}
	if sink.sent[0].Message != "busy week" {
		t.Errorf("digest message = %q", sink.sent[0].Message)
	}
}

func TestActivityAgent_RateLimitDenied(t *testing.T) {
	gate := &stubGate{decision: ratelimit.Decision{Reason: ratelimit.ReasonDailyLimit}}
	sink := &recordingNotifier{}
	analysis := &domain.Analysis{CommitCount: 5}
	agent := NewActivityAgent(stubProvider{analysis: analysis}, gate, sink, 24)

	res, err := agent.Execute(context.Background(), activityInput())
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldAct {
		t.Error("denied run still wanted to act")
	}
	if res.ActionsExecuted != 0 {
		t.Error("denied run must not execute the action")
	}
	if res.DoNothingReason != ratelimit.ReasonDailyLimit {
		t.Errorf("DoNothingReason = %q, want %q", res.DoNothingReason, ratelimit.ReasonDailyLimit)
	}
	if len(sink.sent) != 0 {
		t.Error("notification sent despite rate limit denial")
	}
}

func TestActivityAgent_FetchFailurePropagates(t *testing.T) {
	gate := &stubGate{decision: ratelimit.Decision{Allowed: true}}
	agent := NewActivityAgent(stubProvider{err: errors.New("github down")}, gate, nil, 24)

	if _, err := agent.Execute(context.Background(), activityInput()); err == nil {
		t.Error("fetch failure should surface as an execution error")
	}
}

func TestActivityConfidence(t *testing.T) {
	tests := []struct {
		analysis domain.Analysis
		want     float64
	}{
		{domain.Analysis{CommitCount: 10}, 0.5},
		{domain.Analysis{CommitCount: 100}, 1},
		{domain.Analysis{PullRequestsOpened: 5}, 0.5},
	}
	for _, tt := range tests {
		if got := activityConfidence(&tt.analysis); got != tt.want {
			t.Errorf("activityConfidence(%+v) = %v, want %v", tt.analysis, got, tt.want)
		}
	}
}
