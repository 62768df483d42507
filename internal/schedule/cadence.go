package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// cronParser accepts standard five-field expressions (minute through day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// ValidateCadence checks that cadence is a known value and that a custom
// cadence carries a parseable cron expression.
func ValidateCadence(cadence domain.Cadence, cronExpr string) error {
	switch cadence {
	case domain.CadenceHourly, domain.CadenceEvery4h, domain.CadenceEvery8h,
		domain.CadenceDaily, domain.CadenceWeekly:
		return nil
	case domain.CadenceCustom:
		if cronExpr == "" {
			return fmt.Errorf("custom cadence requires a cron expression")
		}
		if _, err := ParseCron(cronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown cadence %q", cadence)
	}
}

// cadenceInterval returns the fixed interval for sub-daily cadences.
func cadenceInterval(c domain.Cadence) (time.Duration, bool) {
	switch c {
	case domain.CadenceHourly:
		return time.Hour, true
	case domain.CadenceEvery4h:
		return 4 * time.Hour, true
	case domain.CadenceEvery8h:
		return 8 * time.Hour, true
	}
	return 0, false
}

// cadenceDue reports whether the schedule's cadence has elapsed at now.
// A schedule that has never run is due immediately. Daily and weekly
// cadences compare calendar buckets in the schedule's timezone rather
// than raw elapsed time.
func cadenceDue(sch *domain.Schedule, now time.Time) (bool, error) {
	if sch.Cadence == domain.CadenceCustom {
		if _, err := ParseCron(sch.CronExpr); err != nil {
			return false, err
		}
	}
	if sch.LastRunAt == nil {
		return true, nil
	}
	last := *sch.LastRunAt

	if iv, ok := cadenceInterval(sch.Cadence); ok {
		return now.Sub(last) >= iv, nil
	}

	loc, err := sch.Location()
	if err != nil {
		return false, err
	}
	switch sch.Cadence {
	case domain.CadenceDaily:
		ly, lm, ld := last.In(loc).Date()
		ny, nm, nd := now.In(loc).Date()
		return !(ly == ny && lm == nm && ld == nd), nil
	case domain.CadenceWeekly:
		lyear, lweek := last.In(loc).ISOWeek()
		nyear, nweek := now.In(loc).ISOWeek()
		return !(lyear == nyear && lweek == nweek), nil
	case domain.CadenceCustom:
		cs, _ := ParseCron(sch.CronExpr)
		return !cs.Next(last).After(now), nil
	}
	return false, fmt.Errorf("unknown cadence %q", sch.Cadence)
}

// NextRun returns the earliest instant the cadence allows another run.
// The zero time means the schedule's cron expression does not parse.
func NextRun(sch *domain.Schedule, now time.Time) time.Time {
	var cs cron.Schedule
	if sch.Cadence == domain.CadenceCustom {
		parsed, err := ParseCron(sch.CronExpr)
		if err != nil {
			return time.Time{}
		}
		cs = parsed
	}
	if sch.LastRunAt == nil {
		return now
	}
	last := *sch.LastRunAt

	if iv, ok := cadenceInterval(sch.Cadence); ok {
		return last.Add(iv)
	}

	loc, err := sch.Location()
	if err != nil {
		return time.Time{}
	}
	switch sch.Cadence {
	case domain.CadenceDaily:
		y, m, d := last.In(loc).Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	case domain.CadenceWeekly:
		ll := last.In(loc)
		days := (8 - int(ll.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		y, m, d := ll.Date()
		return time.Date(y, m, d+days, 0, 0, 0, 0, loc)
	case domain.CadenceCustom:
		return cs.Next(last)
	}
	return time.Time{}
}
