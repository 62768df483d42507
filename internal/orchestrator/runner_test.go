package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/agents"
	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

type scriptedAgent struct {
	id     string
	result *domain.AgentResult
	err    error
	onRun  func()

	mu   sync.Mutex
	runs int
}

func (a *scriptedAgent) ID() string       { return a.id }
func (a *scriptedAgent) Describe() string { return "scripted" }

func (a *scriptedAgent) Execute(ctx context.Context, in agents.Input) (*domain.AgentResult, error) {
	a.mu.Lock()
	a.runs++
	a.mu.Unlock()
	if a.onRun != nil {
		a.onRun()
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &domain.AgentResult{Phase: "act", ShouldAct: true, ActionsProposed: 1, ActionsExecuted: 1}, nil
}

func (a *scriptedAgent) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

type fixture struct {
	store    *store.Store
	registry *agents.Registry
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertProject(&domain.Project{ID: "proj-1", Name: "Proj One", Repo: "org/proj-one"}); err != nil {
		t.Fatal(err)
	}

	registry := agents.NewRegistry()
	return &fixture{
		store:    s,
		registry: registry,
		runner:   NewRunner(s, registry, nil, time.Minute),
	}
}

func (f *fixture) addAgent(t *testing.T, a *scriptedAgent) {
	t.Helper()
	if err := f.registry.Register(a); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) addSchedule(t *testing.T, agentID string, priority int) {
	t.Helper()
	err := f.store.UpsertSchedule(&domain.Schedule{
		ProjectID: "proj-1",
		AgentID:   agentID,
		Enabled:   true,
		Cadence:   domain.CadenceHourly,
		Priority:  priority,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) addJob(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateJob(&domain.Job{
		ID:          id,
		ProjectID:   "proj-1",
		Type:        domain.JobTypeBatch,
		Trigger:     domain.TriggerCron,
		ScheduledAt: time.Now().UTC(),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunner_BatchToleratesPartialFailure(t *testing.T) {
	f := newFixture(t)
	good1 := &scriptedAgent{id: "good-1"}
	bad := &scriptedAgent{id: "bad", err: errors.New("agent exploded")}
	good2 := &scriptedAgent{id: "good-2"}
	for _, a := range []*scriptedAgent{good1, bad, good2} {
		f.addAgent(t, a)
		f.addSchedule(t, a.id, 0)
	}
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	job, err := f.store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed despite one failure", job.Status)
	}
	if job.AgentsExecuted != 3 || job.AgentsSucceeded != 2 || job.AgentsFailed != 1 {
		t.Errorf("aggregates = %d/%d/%d, want 3/2/1", job.AgentsExecuted, job.AgentsSucceeded, job.AgentsFailed)
	}
	if good2.runCount() != 1 {
		t.Error("a failure earlier in the batch stopped later agents")
	}

	logs, err := f.store.ListExecutionLogs("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("log count = %d, want 3", len(logs))
	}
	failed := 0
	for _, l := range logs {
		if l.Status == domain.LogFailed {
			failed++
			if l.Error == "" {
				t.Error("failed log entry has no error message")
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed log entries = %d, want 1", failed)
	}
}

func TestRunner_EmptyEligibleSetCompletes(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	job, err := f.store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.AgentsExecuted != 0 {
		t.Errorf("AgentsExecuted = %d, want 0", job.AgentsExecuted)
	}
	if job.Summary != "no eligible schedules" {
		t.Errorf("summary = %q", job.Summary)
	}
}

func TestRunner_ArchivedProjectRunsNothing(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, &scriptedAgent{id: "triage"})
	f.addSchedule(t, "triage", 5)
	err := f.store.UpsertProject(&domain.Project{ID: "proj-1", Name: "Proj One", Repo: "org/proj-one", Archived: true})
	if err != nil {
		t.Fatal(err)
	}
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	job, err := f.store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.AgentsExecuted != 0 {
		t.Errorf("AgentsExecuted = %d, want 0", job.AgentsExecuted)
	}
	if job.Summary != "project archived" {
		t.Errorf("summary = %q", job.Summary)
	}
}

func TestRunner_AllAgentsFailedFailsJob(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"bad-1", "bad-2"} {
		f.addAgent(t, &scriptedAgent{id: id, err: errors.New("boom")})
		f.addSchedule(t, id, 0)
	}
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	job, _ := f.store.GetJob("job-1")
	if job.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed when every agent fails", job.Status)
	}
	if job.Error == "" {
		t.Error("failed job has no error message")
	}
}

func TestRunner_CancellationStopsRemainingAgents(t *testing.T) {
	f := newFixture(t)

	first := &scriptedAgent{id: "first"}
	first.onRun = func() {
		if _, err := f.store.CancelJob("job-1", time.Now().UTC()); err != nil {
			t.Error(err)
		}
	}
	second := &scriptedAgent{id: "second"}
	f.addAgent(t, first)
	f.addAgent(t, second)
	f.addSchedule(t, "first", 10)
	f.addSchedule(t, "second", 5)
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	if second.runCount() != 0 {
		t.Error("agent after the cancellation point still ran")
	}

	job, _ := f.store.GetJob("job-1")
	if job.Status != domain.JobCancelled {
		t.Errorf("status = %s, want cancelled to stick", job.Status)
	}
}

func TestRunner_DuplicateDeliveryRunsOnce(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{id: "only"}
	f.addAgent(t, a)
	f.addSchedule(t, "only", 0)
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	if a.runCount() != 1 {
		t.Errorf("agent ran %d times across duplicate deliveries, want 1", a.runCount())
	}
}

func TestRunner_ExecutesInPriorityOrder(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []string
	record := func(id string) func() {
		return func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"low", 1}, {"high", 10}, {"mid", 5},
	} {
		f.addAgent(t, &scriptedAgent{id: tc.id, onRun: record(tc.id)})
		f.addSchedule(t, tc.id, tc.priority)
	}
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("ran %d agents, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

func TestRunner_DoNothingRunIsSkippedNotFailed(t *testing.T) {
	f := newFixture(t)
	quiet := &scriptedAgent{id: "quiet", result: &domain.AgentResult{
		Phase:           "analyze",
		DoNothingReason: "no_recent_activity",
	}}
	f.addAgent(t, quiet)
	f.addSchedule(t, "quiet", 0)
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	job, _ := f.store.GetJob("job-1")
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}

	logs, _ := f.store.ListExecutionLogs("job-1")
	if len(logs) != 1 {
		t.Fatalf("log count = %d, want 1", len(logs))
	}
	if logs[0].Status != domain.LogSkipped {
		t.Errorf("log status = %s, want skipped", logs[0].Status)
	}
	if logs[0].DoNothingReason != "no_recent_activity" {
		t.Errorf("DoNothingReason = %q", logs[0].DoNothingReason)
	}
}

func TestRunner_UnknownAgentLogsFailure(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(t, "ghost", 0)
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	job, _ := f.store.GetJob("job-1")
	if job.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed when the only agent is unknown", job.Status)
	}

	logs, _ := f.store.ListExecutionLogs("job-1")
	if len(logs) != 1 || logs[0].Status != domain.LogFailed {
		t.Fatalf("want one failed log entry, got %+v", logs)
	}
}

func TestRunner_RecordsScheduleCounters(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, &scriptedAgent{id: "good"})
	f.addAgent(t, &scriptedAgent{id: "bad", err: errors.New("boom")})
	f.addSchedule(t, "good", 10)
	f.addSchedule(t, "bad", 5)
	f.addJob(t, "job-1")

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	good, err := f.store.GetSchedule("proj-1", "good")
	if err != nil {
		t.Fatal(err)
	}
	if good.TotalRuns != 1 || good.TotalSuccesses != 1 || good.ConsecutiveFailures != 0 {
		t.Errorf("good schedule counters = %d/%d/%d", good.TotalRuns, good.TotalSuccesses, good.ConsecutiveFailures)
	}
	if good.LastRunAt == nil || good.LastSuccessAt == nil {
		t.Error("good schedule run times not recorded")
	}

	bad, err := f.store.GetSchedule("proj-1", "bad")
	if err != nil {
		t.Fatal(err)
	}
	if bad.TotalRuns != 1 || bad.TotalSuccesses != 0 || bad.ConsecutiveFailures != 1 {
		t.Errorf("bad schedule counters = %d/%d/%d", bad.TotalRuns, bad.TotalSuccesses, bad.ConsecutiveFailures)
	}
	if bad.LastSuccessAt != nil {
		t.Error("failed run recorded a success time")
	}
}

func TestRunner_SingleAgentJob(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{id: "solo"}
	f.addAgent(t, a)
	// A schedule for a different agent must not be touched by a
	// single-agent job.
	f.addAgent(t, &scriptedAgent{id: "other"})
	f.addSchedule(t, "other", 0)

	err := f.store.CreateJob(&domain.Job{
		ID:          "job-1",
		ProjectID:   "proj-1",
		Type:        domain.JobTypeSingleAgent,
		Trigger:     domain.TriggerManual,
		AgentID:     "solo",
		ScheduledAt: time.Now().UTC(),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}

	if a.runCount() != 1 {
		t.Errorf("solo agent ran %d times, want 1", a.runCount())
	}
	job, _ := f.store.GetJob("job-1")
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}

	other, _ := f.store.GetSchedule("proj-1", "other")
	if other.TotalRuns != 0 {
		t.Error("single-agent job touched an unrelated schedule")
	}
}

type captureSubmitter struct {
	mu       sync.Mutex
	projects []string
}

func (c *captureSubmitter) AddJob(ctx context.Context, projectID string, trigger domain.TriggerSource) (*domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects = append(c.projects, projectID)
	return &domain.Job{ID: "enqueued", ProjectID: projectID}, nil
}

func TestRunAllEligible_SubmitsOnlyDueProjects(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(t, "due-agent", 0)

	// Second project whose only schedule ran moments ago.
	if err := f.store.UpsertProject(&domain.Project{ID: "proj-2", Name: "Two", Repo: "org/two"}); err != nil {
		t.Fatal(err)
	}
	sch := &domain.Schedule{
		ProjectID: "proj-2",
		AgentID:   "due-agent",
		Enabled:   true,
		Cadence:   domain.CadenceHourly,
	}
	if err := f.store.UpsertSchedule(sch); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkScheduleRun(sch.ID, time.Now().UTC(), true, time.Now().UTC().Format("2006-01-02")); err != nil {
		t.Fatal(err)
	}

	sub := &captureSubmitter{}
	n, err := f.runner.RunAllEligible(context.Background(), sub, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("submitted = %d, want 1", n)
	}
	if len(sub.projects) != 1 || sub.projects[0] != "proj-1" {
		t.Errorf("submitted projects = %v, want [proj-1]", sub.projects)
	}
}

func TestRunAllEligible_SkipsProjectsWithActiveBatch(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(t, "due-agent", 0)
	f.addJob(t, "inflight")

	sub := &captureSubmitter{}
	n, err := f.runner.RunAllEligible(context.Background(), sub, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(sub.projects) != 0 {
		t.Errorf("submitted %d jobs (%v), want none while a batch is in flight", n, sub.projects)
	}
}
