package schedule

import (
	"testing"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

func hourlySchedule(id int64) *domain.Schedule {
	return &domain.Schedule{
		ID:        id,
		ProjectID: "proj-1",
		AgentID:   "triage",
		Enabled:   true,
		Cadence:   domain.CadenceHourly,
	}
}

func TestEvaluator_FiltersDisabled(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	enabled := hourlySchedule(1)
	disabled := hourlySchedule(2)
	disabled.Enabled = false

	got := NewEvaluator().Eligible([]*domain.Schedule{enabled, disabled}, now)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("eligible = %v, want only schedule 1", ids(got))
	}
}

func TestEvaluator_WeekdayGate(t *testing.T) {
	sch := hourlySchedule(1)
	sch.Weekdays = []time.Weekday{time.Monday, time.Wednesday}

	monday := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	tuesday := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

	e := NewEvaluator()
	if got := e.Eligible([]*domain.Schedule{sch}, monday); len(got) != 1 {
		t.Error("Monday should be allowed")
	}
	if got := e.Eligible([]*domain.Schedule{sch}, tuesday); len(got) != 0 {
		t.Error("Tuesday should be blocked")
	}
}

func TestEvaluator_WindowGate(t *testing.T) {
	sch := hourlySchedule(1)
	sch.RunAfter = "09:00"
	sch.RunBefore = "17:00"

	tests := []struct {
		hour, minute int
		want         bool
	}{
		{8, 59, false},
		{9, 0, true},
		{13, 30, true},
		{16, 59, true},
		{17, 0, false},
		{23, 0, false},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		now := time.Date(2024, 3, 15, tt.hour, tt.minute, 0, 0, time.UTC)
		got := e.Eligible([]*domain.Schedule{sch}, now)
		if (len(got) == 1) != tt.want {
			t.Errorf("at %02d:%02d eligible = %v, want %v", tt.hour, tt.minute, len(got) == 1, tt.want)
		}
	}
}

func TestEvaluator_OvernightWindow(t *testing.T) {
	sch := hourlySchedule(1)
	sch.RunAfter = "22:00"
	sch.RunBefore = "06:00"

	e := NewEvaluator()
	inside := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	if got := e.Eligible([]*domain.Schedule{sch}, inside); len(got) != 1 {
		t.Error("23:00 is inside a 22:00-06:00 window")
	}
	alsoInside := time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC)
	if got := e.Eligible([]*domain.Schedule{sch}, alsoInside); len(got) != 1 {
		t.Error("03:00 is inside a 22:00-06:00 window")
	}
	outside := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if got := e.Eligible([]*domain.Schedule{sch}, outside); len(got) != 0 {
		t.Error("12:00 is outside a 22:00-06:00 window")
	}
}

func TestEvaluator_WindowUsesScheduleTimezone(t *testing.T) {
	sch := hourlySchedule(1)
	sch.Timezone = "Asia/Tokyo"
	sch.RunAfter = "09:00"
	sch.RunBefore = "17:00"

	e := NewEvaluator()

	// 01:00 UTC is 10:00 in Tokyo, inside the window.
	morning := time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC)
	if got := e.Eligible([]*domain.Schedule{sch}, morning); len(got) != 1 {
		t.Error("10:00 Tokyo time should be inside the window")
	}

	// 12:00 UTC is 21:00 in Tokyo, outside the window.
	evening := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if got := e.Eligible([]*domain.Schedule{sch}, evening); len(got) != 0 {
		t.Error("21:00 Tokyo time should be outside the window")
	}
}

func TestEvaluator_MinIntervalBlocksRepeatRuns(t *testing.T) {
	sch := hourlySchedule(1)
	sch.MinIntervalMinutes = 120

	start := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	e := NewEvaluator()

	if got := e.Eligible([]*domain.Schedule{sch}, start); len(got) != 1 {
		t.Fatal("never-ran schedule should be eligible")
	}
	sch.LastRunAt = &start

	// Hourly cadence has elapsed at +90m but the interval floor has not.
	if got := e.Eligible([]*domain.Schedule{sch}, start.Add(90*time.Minute)); len(got) != 0 {
		t.Error("schedule eligible again only 90 minutes after a run with a 120 minute floor")
	}
	if got := e.Eligible([]*domain.Schedule{sch}, start.Add(119*time.Minute)); len(got) != 0 {
		t.Error("schedule eligible 1 minute before the interval floor")
	}
	if got := e.Eligible([]*domain.Schedule{sch}, start.Add(120*time.Minute)); len(got) != 1 {
		t.Error("schedule should be eligible once the interval floor has passed")
	}
}

func TestEvaluator_MaxRunsPerDay(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	sch := hourlySchedule(1)
	sch.MaxRunsPerDay = 2
	sch.RunsToday = 2
	sch.RunsTodayDate = "2024-03-15"

	e := NewEvaluator()
	if got := e.Eligible([]*domain.Schedule{sch}, now); len(got) != 0 {
		t.Error("schedule at its daily cap should not be eligible")
	}

	// A counter left over from a previous day does not count.
	sch.RunsTodayDate = "2024-03-14"
	if got := e.Eligible([]*domain.Schedule{sch}, now); len(got) != 1 {
		t.Error("stale daily counter should not block a new day")
	}
}

func TestEvaluator_OrderingPriorityThenStaleness(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	oldRun := now.Add(-5 * time.Hour)
	olderRun := now.Add(-9 * time.Hour)

	low := hourlySchedule(1)
	low.Priority = 5
	low.LastRunAt = &oldRun

	lowNeverRan := hourlySchedule(2)
	lowNeverRan.Priority = 5

	lowStale := hourlySchedule(3)
	lowStale.Priority = 5
	lowStale.LastRunAt = &olderRun

	high := hourlySchedule(4)
	high.Priority = 10
	high.LastRunAt = &oldRun

	got := NewEvaluator().Eligible([]*domain.Schedule{low, lowNeverRan, lowStale, high}, now)
	want := []int64{4, 2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("eligible count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("order[%d] = schedule %d, want %d (full order %v)", i, got[i].ID, want[i], ids(got))
		}
	}
}

func TestEvaluator_BadCronNeverEligible(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sch := hourlySchedule(1)
	sch.Cadence = domain.CadenceCustom
	sch.CronExpr = "not a cron"

	e := NewEvaluator()
	for i := 0; i < 3; i++ {
		if got := e.Eligible([]*domain.Schedule{sch}, now); len(got) != 0 {
			t.Fatal("schedule with unparseable cron should never be eligible")
		}
	}
}

func ids(schedules []*domain.Schedule) []int64 {
	out := make([]int64, len(schedules))
	for i, s := range schedules {
		out[i] = s.ID
	}
	return out
}
