package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/agents"
	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

type recordedAgent struct {
	runs int
}

func (a *recordedAgent) ID() string       { return "triage" }
func (a *recordedAgent) Describe() string { return "records runs" }

func (a *recordedAgent) Execute(ctx context.Context, in agents.Input) (*domain.AgentResult, error) {
	a.runs++
	return &domain.AgentResult{Phase: "act", ShouldAct: true, ActionsExecuted: 1}, nil
}

type fixture struct {
	store  *store.Store
	worker *Worker
	agent  *recordedAgent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertProject(&domain.Project{ID: "proj-1", Name: "Proj One"}); err != nil {
		t.Fatal(err)
	}

	agent := &recordedAgent{}
	registry := agents.NewRegistry()
	if err := registry.Register(agent); err != nil {
		t.Fatal(err)
	}
	err = s.UpsertSchedule(&domain.Schedule{
		ProjectID: "proj-1",
		AgentID:   "triage",
		Enabled:   true,
		Cadence:   domain.CadenceHourly,
		Priority:  5,
	})
	if err != nil {
		t.Fatal(err)
	}

	runner := orchestrator.NewRunner(s, registry, nil, time.Minute)
	disp := dispatch.NewDirect(s, runner)
	return &fixture{store: s, worker: New(cfg, s, disp), agent: agent}
}

func seedJob(t *testing.T, s *store.Store, id string, status domain.JobStatus, attempt int, age time.Duration) {
	t.Helper()
	err := s.CreateJob(&domain.Job{
		ID:            id,
		ProjectID:     "proj-1",
		Type:          domain.JobTypeBatch,
		Trigger:       domain.TriggerManual,
		Status:        status,
		AttemptNumber: attempt,
		MaxAttempts:   3,
		CreatedAt:     time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRetryFailedJobs_WindowAndAttemptBound(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	seedJob(t, f.store, "job-recent", domain.JobFailed, 1, time.Hour)
	seedJob(t, f.store, "job-old", domain.JobFailed, 1, 48*time.Hour)      // outside the 24h window
	seedJob(t, f.store, "job-exhausted", domain.JobFailed, 3, time.Hour)   // no attempts left
	seedJob(t, f.store, "job-completed", domain.JobCompleted, 1, time.Hour)

	retried, err := f.worker.RetryFailedJobs(ctx)
	if err != nil {
		t.Fatalf("RetryFailedJobs: %v", err)
	}
	if retried != 1 {
		t.Errorf("retried = %d, want 1", retried)
	}

	recent, err := f.store.GetJob("job-recent")
	if err != nil {
		t.Fatal(err)
	}
	if recent.Status != domain.JobCompleted || recent.AttemptNumber != 2 {
		t.Errorf("recent job: status=%s attempt=%d, want completed/2", recent.Status, recent.AttemptNumber)
	}

	for id, wantAttempt := range map[string]int{"job-old": 1, "job-exhausted": 3} {
		j, err := f.store.GetJob(id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status != domain.JobFailed || j.AttemptNumber != wantAttempt {
			t.Errorf("%s should be untouched, got status=%s attempt=%d", id, j.Status, j.AttemptNumber)
		}
	}
	if f.agent.runs != 1 {
		t.Errorf("agent ran %d times, want 1", f.agent.runs)
	}
}

func TestCleanup_RemovesAgedJobsWithTheirLogs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	seedJob(t, f.store, "job-aged", domain.JobCompleted, 1, 45*24*time.Hour)
	seedJob(t, f.store, "job-fresh", domain.JobCompleted, 1, time.Hour)
	err := f.store.AppendExecutionLog(&domain.ExecutionLog{
		JobID:     "job-aged",
		ProjectID: "proj-1",
		AgentID:   "triage",
		Status:    domain.LogCompleted,
		StartedAt: time.Now().UTC().Add(-45 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := f.worker.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if rep.JobsDeleted != 1 {
		t.Errorf("jobs deleted = %d, want 1", rep.JobsDeleted)
	}

	if _, err := f.store.GetJob("job-aged"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("aged job still present: %v", err)
	}
	if _, err := f.store.GetJob("job-fresh"); err != nil {
		t.Errorf("fresh job removed: %v", err)
	}

	logs, err := f.store.ListExecutionLogs("job-aged")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("%d logs survived their job's deletion, want 0", len(logs))
	}
}

func TestCleanup_RetentionOverride(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	seedJob(t, f.store, "job-weekold", domain.JobCompleted, 1, 7*24*time.Hour)

	rep, err := f.worker.Cleanup(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.JobsDeleted != 0 {
		t.Errorf("default retention deleted %d jobs, want 0", rep.JobsDeleted)
	}

	rep, err = f.worker.Cleanup(ctx, 3*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rep.JobsDeleted != 1 {
		t.Errorf("override retention deleted %d jobs, want 1", rep.JobsDeleted)
	}
}

func TestCleanup_PurgesDeadAnalyses(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now().UTC()

	entries := []*domain.AnalysisEntry{
		{ProjectID: "proj-1", PeriodHours: 24, Analysis: domain.Analysis{Repo: "org/one"},
			ComputedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}, // expired
		{ProjectID: "proj-1", PeriodHours: 168, Analysis: domain.Analysis{Repo: "org/one"},
			ComputedAt: now, ExpiresAt: now.Add(time.Hour), IsStale: true}, // stale
		{ProjectID: "proj-1", PeriodHours: 72, Analysis: domain.Analysis{Repo: "org/one"},
			ComputedAt: now, ExpiresAt: now.Add(time.Hour)}, // live
	}
	for _, e := range entries {
		if err := f.store.PutAnalysisEntry(e); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := f.worker.Cleanup(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.AnalysesDeleted != 2 {
		t.Errorf("analyses deleted = %d, want 2", rep.AnalysesDeleted)
	}

	if _, err := f.store.GetAnalysisEntry("proj-1", 72); err != nil {
		t.Errorf("live entry removed: %v", err)
	}
	if _, err := f.store.GetAnalysisEntry("proj-1", 24); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired entry survived: %v", err)
	}
}

func TestCleanup_FailsStuckJobs(t *testing.T) {
	f := newFixture(t, Config{})

	seedJob(t, f.store, "job-stuck", domain.JobQueued, 1, 5*time.Hour)
	if _, err := f.store.ClaimJob("job-stuck", time.Now().UTC().Add(-4*time.Hour)); err != nil {
		t.Fatal(err)
	}
	seedJob(t, f.store, "job-live", domain.JobQueued, 1, time.Minute)
	if _, err := f.store.ClaimJob("job-live", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	rep, err := f.worker.Cleanup(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.StuckJobsFailed != 1 {
		t.Errorf("stuck jobs failed = %d, want 1", rep.StuckJobsFailed)
	}

	stuck, _ := f.store.GetJob("job-stuck")
	if stuck.Status != domain.JobFailed {
		t.Errorf("stuck job status = %s, want failed", stuck.Status)
	}
	live, _ := f.store.GetJob("job-live")
	if live.Status != domain.JobRunning {
		t.Errorf("live job status = %s, want running", live.Status)
	}
}

// TestCleanup_DailyResetIsIdempotent runs five cleanup passes within
// one UTC day and verifies the counter reset happens exactly once.
func TestCleanup_DailyResetIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02")
	err := f.store.UpsertActionConfig(&domain.ActionConfig{
		ProjectID:      "proj-1",
		ActionKey:      "post_activity_summary",
		Enabled:        true,
		MaxPerDay:      10,
		MaxPerHour:     5,
		TimesUsedToday: 7,
		LastResetDate:  yesterday,
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := f.worker.Cleanup(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.CountersReset != 1 {
		t.Fatalf("first pass reset %d counters, want 1", rep.CountersReset)
	}

	// Usage after the reset must survive later passes the same day.
	now := time.Now().UTC()
	ok, err := f.store.TryConsumeAction("proj-1", "post_activity_summary", now, now.Format("2006-01-02"))
	if err != nil || !ok {
		t.Fatalf("TryConsumeAction: ok=%v err=%v", ok, err)
	}

	for i := 0; i < 4; i++ {
		rep, err := f.worker.Cleanup(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if rep.CountersReset != 0 {
			t.Fatalf("pass %d reset %d counters, want 0", i+2, rep.CountersReset)
		}
	}

	cfg, err := f.store.GetActionConfig("proj-1", "post_activity_summary")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimesUsedToday != 1 {
		t.Errorf("times used today = %d, want 1 (untouched after first reset)", cfg.TimesUsedToday)
	}
}
