package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/schedule"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

var tabNames = []string{"Dashboard", "Jobs", "Schedules", "Failures"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	if m.snap == nil {
		if m.err != nil {
			return warningStyle.Render("Failed to load dashboard data: " + m.err.Error())
		}
		return "Loading..."
	}

	var b strings.Builder

	// Header
	pausedFlag := ""
	if m.snap.Stats.Paused {
		pausedFlag = " │ PAUSED"
	}
	header := fmt.Sprintf(" SynthStack Orchestrator │ Waiting: %d │ Active: %d │ Failed: %d │ Workers: %d%s ",
		m.snap.Stats.Waiting, m.snap.Stats.Active, m.snap.Stats.Failed, len(m.snap.Workers), pausedFlag)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	// Tab bar
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	// Content based on active tab
	switch m.activeTab {
	case 0: // Dashboard
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRunning()))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderQueued()))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderWorkers()))
		b.WriteString("\n")

	case 1: // Jobs
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderJobs()))
		b.WriteString("\n")

	case 2: // Schedules
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderSchedules()))
		b.WriteString("\n")

	case 3: // Failures
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderFailures()))
		b.WriteString("\n")
	}

	// Status bar
	if m.err != nil {
		b.WriteString(warningStyle.Width(m.width).Render(fmt.Sprintf(" refresh error: %s ", m.err)))
	} else {
		refreshed := "never"
		if !m.lastRefresh.IsZero() {
			refreshed = humanize.Time(m.lastRefresh)
		}
		bar := fmt.Sprintf(" [tab]switch [1-4]jump [j/k]scroll [r]efresh [q]uit │ refreshed %s ", refreshed)
		b.WriteString(statusBarStyle.Width(m.width).Render(bar))
	}

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := make([]string, len(tabNames))
	for i, name := range tabNames {
		label := fmt.Sprintf(" %d:%s ", i+1, name)
		if i == m.activeTab {
			tabs[i] = tabActiveStyle.Render(label)
		} else {
			tabs[i] = tabInactiveStyle.Render(label)
		}
	}
	return strings.Join(tabs, "")
}

func (m Model) renderRunning() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Running (%d)\n", len(m.snap.Running)))

	if len(m.snap.Running) == 0 {
		b.WriteString(dimmedStyle.Render("  nothing running"))
		return b.String()
	}

	for _, j := range m.snap.Running {
		started := ""
		if j.StartedAt != nil {
			started = "started " + humanize.Time(*j.StartedAt)
		}
		line := fmt.Sprintf("  ● %-10s %-18s %-13s attempt %d/%d  %s",
			shortID(j.ID), truncate(j.ProjectID, 18), j.Type, j.AttemptNumber, j.MaxAttempts, started)
		b.WriteString(runningStyle.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderQueued() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Queued (%d)\n", len(m.snap.Queued)))

	if len(m.snap.Queued) == 0 {
		b.WriteString(dimmedStyle.Render("  queue is empty"))
		return b.String()
	}

	const maxShown = 8
	for i, j := range m.snap.Queued {
		if i == maxShown {
			b.WriteString(dimmedStyle.Render(fmt.Sprintf("  +%d more", len(m.snap.Queued)-maxShown)))
			b.WriteString("\n")
			break
		}
		line := fmt.Sprintf("  %-10s %-18s %-13s prio %-3d queued %s",
			shortID(j.ID), truncate(j.ProjectID, 18), j.Type, j.Priority, humanize.Time(j.CreatedAt))
		b.WriteString(queuedStyle.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderWorkers() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Workers (%d)\n", len(m.snap.Workers)))

	if len(m.snap.Workers) == 0 {
		b.WriteString(dimmedStyle.Render("  no remote workers connected, jobs run in-process"))
		return b.String()
	}

	for _, w := range m.snap.Workers {
		line := fmt.Sprintf("  %-24s %d/%d jobs  connected %s",
			truncate(w.ID, 24), w.ActiveJobs, w.MaxJobs, humanize.Time(w.ConnectedAt))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderJobs() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Recent jobs (%d)\n", len(m.snap.Recent)))
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-10s %-18s %-13s %-10s %-8s %-9s %s",
		"ID", "PROJECT", "TYPE", "STATUS", "ATTEMPT", "DURATION", "CREATED")))
	b.WriteString("\n")

	const maxVisible = 15
	end := m.scroll + maxVisible
	if end > len(m.snap.Recent) {
		end = len(m.snap.Recent)
	}

	for _, j := range m.snap.Recent[m.scroll:end] {
		line := fmt.Sprintf("  %-10s %-18s %-13s %-10s %d/%-6d %-9s %s",
			shortID(j.ID), truncate(j.ProjectID, 18), j.Type, j.Status,
			j.AttemptNumber, j.MaxAttempts, jobDuration(j), humanize.Time(j.CreatedAt))
		b.WriteString(statusStyle(j.Status).Render(line))
		b.WriteString("\n")
	}

	if end < len(m.snap.Recent) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  +%d below", len(m.snap.Recent)-end)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderSchedules() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Schedules (%d)\n", len(m.snap.Schedules)))
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-18s %-18s %-10s %-4s %-5s %-15s %-15s %s",
		"PROJECT", "AGENT", "CADENCE", "ON", "PRIO", "LAST RUN", "NEXT", "FAILS")))
	b.WriteString("\n")

	now := time.Now()
	const maxVisible = 15
	end := m.scroll + maxVisible
	if end > len(m.snap.Schedules) {
		end = len(m.snap.Schedules)
	}

	for _, sch := range m.snap.Schedules[m.scroll:end] {
		lastRun := "never"
		if sch.LastRunAt != nil {
			lastRun = humanize.Time(*sch.LastRunAt)
		}
		next := "-"
		if sch.Enabled {
			if n := schedule.NextRun(sch, now); !n.IsZero() {
				if n.After(now) {
					next = humanize.Time(n)
				} else {
					next = "now"
				}
			}
		}
		enabled := "on"
		style := lipgloss.NewStyle()
		if !sch.Enabled {
			enabled = "off"
			style = dimmedStyle
		}

		line := fmt.Sprintf("  %-18s %-18s %-10s %-4s %-5d %-15s %-15s %d",
			truncate(sch.ProjectID, 18), truncate(sch.AgentID, 18), sch.Cadence,
			enabled, sch.Priority, lastRun, next, sch.ConsecutiveFailures)
		if sch.ConsecutiveFailures > 0 {
			style = warningStyle
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderFailures() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Recent failures (%d)\n", len(m.snap.Failures)))

	if len(m.snap.Failures) == 0 {
		b.WriteString(completedStyle.Render("  nothing failed recently"))
		return b.String()
	}

	const maxVisible = 7
	end := m.scroll + maxVisible
	if end > len(m.snap.Failures) {
		end = len(m.snap.Failures)
	}

	for _, j := range m.snap.Failures[m.scroll:end] {
		failedAt := j.CreatedAt
		if j.CompletedAt != nil {
			failedAt = *j.CompletedAt
		}
		b.WriteString(failedStyle.Render(fmt.Sprintf("  ✗ %-10s %-18s attempt %d/%d  failed %s",
			shortID(j.ID), truncate(j.ProjectID, 18), j.AttemptNumber, j.MaxAttempts, humanize.Time(failedAt))))
		b.WriteString("\n")
		if j.Error != "" {
			b.WriteString(dimmedStyle.Render("    " + truncate(j.Error, m.width-8)))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusStyle(status domain.JobStatus) lipgloss.Style {
	switch status {
	case domain.JobRunning:
		return runningStyle
	case domain.JobCompleted:
		return completedStyle
	case domain.JobFailed:
		return failedStyle
	case domain.JobCancelled:
		return dimmedStyle
	default:
		return queuedStyle
	}
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n == 1 {
		return s[:1]
	}
	return s[:n-1] + "…"
}

func jobDuration(j *domain.Job) string {
	if j.DurationMs > 0 {
		return (time.Duration(j.DurationMs) * time.Millisecond).Round(time.Second).String()
	}
	if j.StartedAt != nil && j.CompletedAt == nil {
		return time.Since(*j.StartedAt).Round(time.Second).String()
	}
	return "-"
}
