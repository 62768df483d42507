package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schedule configures one autonomous agent on one project. At most one
// schedule exists per (project, agent) pair.
type Schedule struct {
	ID        int64
	ProjectID string
	AgentID   string
	Enabled   bool

	Cadence  Cadence
	CronExpr string // only for CadenceCustom
	Timezone string // IANA name, empty means UTC

	RunAfter  string // "HH:MM", empty means no lower bound
	RunBefore string // "HH:MM", empty means no upper bound
	Weekdays  []time.Weekday

	MinIntervalMinutes int
	MaxRunsPerDay      int
	Priority           int // 1-10, higher runs sooner

	LastRunAt           *time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
	TotalRuns           int
	TotalSuccesses      int
	RunsToday           int
	RunsTodayDate       string // YYYY-MM-DD in the schedule's timezone

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the schedule's timezone, falling back to UTC
func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// AllowsWeekday reports whether d is in the allowed set.
// An empty set allows every day.
func (s *Schedule) AllowsWeekday(d time.Weekday) bool {
	if len(s.Weekdays) == 0 {
		return true
	}
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// RunsOn returns the run count for the given local date, accounting for
// the rolling counter belonging to a previous day.
func (s *Schedule) RunsOn(date string) int {
	if s.RunsTodayDate != date {
		return 0
	}
	return s.RunsToday
}

// WeekdaysString encodes the weekday set as a comma-separated list of
// integers (time.Sunday = 0). Empty set encodes as "".
func (s *Schedule) WeekdaysString() string {
	if len(s.Weekdays) == 0 {
		return ""
	}
	days := make([]int, len(s.Weekdays))
	for i, w := range s.Weekdays {
		days[i] = int(w)
	}
	sort.Ints(days)
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseWeekdays decodes the WeekdaysString encoding
func ParseWeekdays(s string) ([]time.Weekday, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}

// ParseClock parses a "HH:MM" string into minutes past midnight
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
