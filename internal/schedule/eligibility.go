package schedule

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// Evaluator filters schedules down to the set allowed to run right now.
type Evaluator struct {
	mu     sync.Mutex
	warned map[int64]string // schedule ID -> UTC date of last config warning
}

// NewEvaluator creates a new Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{warned: make(map[int64]string)}
}

// Eligible returns the schedules allowed to run at now, ordered by
// priority descending and then least-recently-run first. Schedules that
// have never run sort ahead of schedules that have.
func (e *Evaluator) Eligible(schedules []*domain.Schedule, now time.Time) []*domain.Schedule {
	var out []*domain.Schedule
	for _, sch := range schedules {
		if e.eligible(sch, now) {
			out = append(out, sch)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		li, lj := out[i].LastRunAt, out[j].LastRunAt
		switch {
		case li == nil && lj == nil:
			return out[i].ID < out[j].ID
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
	return out
}

func (e *Evaluator) eligible(sch *domain.Schedule, now time.Time) bool {
	if !sch.Enabled {
		return false
	}

	loc, err := sch.Location()
	if err != nil {
		e.warnOnce(sch, now, err)
		return false
	}
	local := now.In(loc)

	if !sch.AllowsWeekday(local.Weekday()) {
		return false
	}

	ok, err := withinWindow(sch, local)
	if err != nil {
		e.warnOnce(sch, now, err)
		return false
	}
	if !ok {
		return false
	}

	if sch.MinIntervalMinutes > 0 && sch.LastRunAt != nil {
		if now.Sub(*sch.LastRunAt) < time.Duration(sch.MinIntervalMinutes)*time.Minute {
			return false
		}
	}

	// The daily counter only counts against today's date in the
	// schedule's timezone; a stale date means zero runs so far today.
	if sch.MaxRunsPerDay > 0 &&
		sch.RunsTodayDate == local.Format("2006-01-02") &&
		sch.RunsToday >= sch.MaxRunsPerDay {
		return false
	}

	due, err := cadenceDue(sch, now)
	if err != nil {
		e.warnOnce(sch, now, err)
		return false
	}
	return due
}

// withinWindow reports whether the local time falls inside the
// schedule's run_after/run_before window. An empty window always passes;
// a window whose start is later than its end crosses midnight.
func withinWindow(sch *domain.Schedule, local time.Time) (bool, error) {
	if sch.RunAfter == "" && sch.RunBefore == "" {
		return true, nil
	}
	minute := local.Hour()*60 + local.Minute()

	after := 0
	if sch.RunAfter != "" {
		m, err := domain.ParseClock(sch.RunAfter)
		if err != nil {
			return false, err
		}
		after = m
	}
	before := 24 * 60
	if sch.RunBefore != "" {
		m, err := domain.ParseClock(sch.RunBefore)
		if err != nil {
			return false, err
		}
		before = m
	}

	if after == before {
		return true, nil
	}
	if after < before {
		return minute >= after && minute < before, nil
	}
	return minute >= after || minute < before, nil
}

// warnOnce logs a schedule configuration problem at most once per UTC
// day per schedule.
func (e *Evaluator) warnOnce(sch *domain.Schedule, now time.Time, err error) {
	day := now.UTC().Format("2006-01-02")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warned[sch.ID] == day {
		return
	}
	e.warned[sch.ID] = day
	log.Printf("schedule %d (%s/%s): skipped, bad configuration: %v", sch.ID, sch.ProjectID, sch.AgentID, err)
}
