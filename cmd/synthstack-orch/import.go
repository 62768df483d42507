package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/schedule"
)

// importDoc is the YAML document read by `schedules import`
type importDoc struct {
	Projects []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Repo string `yaml:"repo"`
	} `yaml:"projects"`
	Schedules []importSchedule `yaml:"schedules"`
}

type importSchedule struct {
	Project            string   `yaml:"project"`
	Agent              string   `yaml:"agent"`
	Cadence            string   `yaml:"cadence"`
	Cron               string   `yaml:"cron"`
	Enabled            *bool    `yaml:"enabled"`
	Priority           int      `yaml:"priority"`
	Timezone           string   `yaml:"timezone"`
	RunAfter           string   `yaml:"run_after"`
	RunBefore          string   `yaml:"run_before"`
	Weekdays           []string `yaml:"weekdays"`
	MinIntervalMinutes int      `yaml:"min_interval_minutes"`
	MaxRunsPerDay      int      `yaml:"max_runs_per_day"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, d)
	}
	return days, nil
}

// toSchedule validates one import entry and converts it. Nothing is
// written until every entry in the file converts cleanly.
func (e importSchedule) toSchedule() (*domain.Schedule, error) {
	if e.Project == "" || e.Agent == "" {
		return nil, fmt.Errorf("project and agent are required")
	}

	cadence := domain.Cadence(e.Cadence)
	if err := schedule.ValidateCadence(cadence, e.Cron); err != nil {
		return nil, err
	}

	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", e.Timezone, err)
		}
	}

	days, err := parseWeekdays(e.Weekdays)
	if err != nil {
		return nil, err
	}

	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	priority := e.Priority
	if priority == 0 {
		priority = 5
	}

	return &domain.Schedule{
		ProjectID:          e.Project,
		AgentID:            e.Agent,
		Enabled:            enabled,
		Cadence:            cadence,
		CronExpr:           e.Cron,
		Timezone:           e.Timezone,
		RunAfter:           e.RunAfter,
		RunBefore:          e.RunBefore,
		Weekdays:           days,
		MinIntervalMinutes: e.MinIntervalMinutes,
		MaxRunsPerDay:      e.MaxRunsPerDay,
		Priority:           priority,
	}, nil
}

func runSchedulesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(importFile)
	if err != nil {
		return err
	}

	var doc importDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", importFile, err)
	}

	// Validate the whole document before the first write
	scheds := make([]*domain.Schedule, 0, len(doc.Schedules))
	for i, entry := range doc.Schedules {
		sch, err := entry.toSchedule()
		if err != nil {
			return fmt.Errorf("schedule %d (%s/%s): %w", i+1, entry.Project, entry.Agent, err)
		}
		scheds = append(scheds, sch)
	}
	for i, p := range doc.Projects {
		if p.ID == "" {
			return fmt.Errorf("project %d: id is required", i+1)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, p := range doc.Projects {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		if err := s.UpsertProject(&domain.Project{ID: p.ID, Name: name, Repo: p.Repo}); err != nil {
			return fmt.Errorf("upserting project %s: %w", p.ID, err)
		}
	}

	for _, sch := range scheds {
		if err := s.UpsertSchedule(sch); err != nil {
			return fmt.Errorf("upserting schedule %s/%s: %w", sch.ProjectID, sch.AgentID, err)
		}
	}

	fmt.Printf("Imported %d projects and %d schedules from %s\n",
		len(doc.Projects), len(scheds), importFile)
	return nil
}
