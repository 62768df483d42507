package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/manicinc/synthstack-sub004/internal/agents"
	"github.com/manicinc/synthstack-sub004/internal/config"
	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/ghanalysis"
	"github.com/manicinc/synthstack-sub004/internal/maintenance"
	"github.com/manicinc/synthstack-sub004/internal/notify"
	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/ratelimit"
	"github.com/manicinc/synthstack-sub004/internal/schedule"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/updater"
	"github.com/manicinc/synthstack-sub004/tui"
)

var (
	triggerAgent string
	triggerHigh  bool

	jobsProject string
	jobsStatus  string
	jobsLimit   int

	schedProject string
	importFile   string

	cleanupHours int

	projectName string
	projectRepo string

	updateCheck bool
)

func init() {
	// trigger command
	triggerCmd := &cobra.Command{
		Use:   "trigger PROJECT",
		Short: "Run a batch orchestration for a project now",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrigger,
	}
	triggerCmd.Flags().StringVar(&triggerAgent, "agent", "", "run a single agent instead of the full batch")
	triggerCmd.Flags().BoolVar(&triggerHigh, "high-priority", false, "enqueue at high priority")
	rootCmd.AddCommand(triggerCmd)

	// jobs command group
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List orchestration jobs",
		RunE:  runJobsList,
	}
	jobsCmd.Flags().StringVar(&jobsProject, "project", "", "filter by project")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 30, "maximum jobs to show")

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "show JOB",
		Short: "Show one job with its execution logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobShow,
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobCancel,
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "retry-failed",
		Short: "Re-queue recent failed jobs through the running daemon",
		RunE:  runJobsRetryFailed,
	})
	rootCmd.AddCommand(jobsCmd)

	// schedules command group
	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "List agent schedules",
		RunE:  runSchedulesList,
	}
	schedulesCmd.Flags().StringVar(&schedProject, "project", "", "filter by project")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import projects and schedules from a YAML file",
		RunE:  runSchedulesImport,
	}
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "YAML file to import")
	importCmd.MarkFlagRequired("file")
	schedulesCmd.AddCommand(importCmd)

	schedulesCmd.AddCommand(&cobra.Command{
		Use:   "enable PROJECT AGENT",
		Short: "Enable a schedule",
		Args:  cobra.ExactArgs(2),
		RunE:  runScheduleEnable,
	})
	schedulesCmd.AddCommand(&cobra.Command{
		Use:   "disable PROJECT AGENT",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(2),
		RunE:  runScheduleDisable,
	})
	rootCmd.AddCommand(schedulesCmd)

	// projects command group
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		RunE:  runProjectsList,
	}
	addCmd := &cobra.Command{
		Use:   "add ID",
		Short: "Add or update a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectAdd,
	}
	addCmd.Flags().StringVar(&projectName, "name", "", "display name, defaults to the id")
	addCmd.Flags().StringVar(&projectRepo, "repo", "", "linked repository as owner/name")
	projectsCmd.AddCommand(addCmd)
	rootCmd.AddCommand(projectsCmd)

	// queue command group, talks to the running daemon
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the job queue of a running daemon",
	}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE:  runQueueStats,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Pause job intake",
		RunE:  runQueuePause,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Resume job intake",
		RunE:  runQueueResume,
	})
	rootCmd.AddCommand(queueCmd)

	// cleanup command
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete aged jobs, logs, dead analyses and reset daily counters",
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().IntVar(&cleanupHours, "older-than-hours", 0, "override the job retention window")
	rootCmd.AddCommand(cleanupCmd)

	// dashboard command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "dashboard",
		Short: "Launch the TUI dashboard",
		RunE:  runDashboard,
	})

	// update command
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update synthstack-orch to the latest release",
		RunE:  runUpdate,
	}
	updateCmd.Flags().BoolVar(&updateCheck, "check", false, "only check whether an update is available")
	rootCmd.AddCommand(updateCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.General.DatabasePath)
}

// buildNotifier assembles the configured notification fan-out. extra
// receivers (such as the SSE bridge) are appended to the config ones.
func buildNotifier(cfg *config.Config, extra ...notify.Notifier) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notifications.WebhookURL))
	}
	notifiers = append(notifiers, extra...)

	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notify.NewMultiNotifier(notifiers...)
	}
}

// buildRunner assembles the agent registry and batch runner shared by
// the serve daemon and direct CLI execution.
func buildRunner(cfg *config.Config, s *store.Store, notifier notify.Notifier) (*orchestrator.Runner, *ghanalysis.Cache, error) {
	analyses := ghanalysis.NewCache(s, ghanalysis.CLISource{},
		time.Duration(cfg.GitHub.CacheTTLMinutes)*time.Minute,
		time.Duration(cfg.GitHub.CacheGraceMinutes)*time.Minute)

	registry := agents.NewRegistry()
	if err := registry.Register(agents.NewActivityAgent(analyses, ratelimit.New(s), notifier, 0)); err != nil {
		return nil, nil, err
	}
	for _, a := range cfg.Agents {
		if err := registry.Register(agents.NewCommandAgent(a.ID, a.Purpose, a.Program, a.Args...)); err != nil {
			return nil, nil, fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
	}

	timeout := time.Duration(cfg.Orchestrator.AgentTimeoutMinutes) * time.Minute
	return orchestrator.NewRunner(s, registry, notifier, timeout), analyses, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, _, err := buildRunner(cfg, s, buildNotifier(cfg))
	if err != nil {
		return err
	}
	disp := dispatch.NewDirect(s, runner)

	spec := dispatch.JobSpec{
		ProjectID:   args[0],
		Trigger:     domain.TriggerManual,
		TriggeredBy: "cli",
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
	}
	if triggerAgent != "" {
		spec.Type = domain.JobTypeSingleAgent
		spec.AgentID = triggerAgent
	}

	ctx, cancel := signalContext()
	defer cancel()

	var job *domain.Job
	if triggerHigh {
		job, err = disp.AddHighPriorityJob(ctx, spec)
	} else {
		job, err = disp.AddJob(ctx, spec)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Job %s %s: %d agents executed, %d succeeded, %d failed\n",
		job.ID, job.Status, job.AgentsExecuted, job.AgentsSucceeded, job.AgentsFailed)
	if job.Error != "" {
		fmt.Printf("  error: %s\n", job.Error)
	}

	logs, err := s.ListExecutionLogs(job.ID)
	if err != nil {
		return err
	}
	for _, l := range logs {
		fmt.Printf("  %-20s %-9s %s\n", l.AgentID, l.Status, logSummary(l))
	}
	return nil
}

// logSummary condenses one execution log into a single list column
func logSummary(l *domain.ExecutionLog) string {
	switch {
	case l.Error != "":
		return l.Error
	case l.DoNothingReason != "":
		return l.DoNothingReason
	case l.ActionsExecuted > 0:
		return fmt.Sprintf("%d actions executed", l.ActionsExecuted)
	default:
		return ""
	}
}

func runJobsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := s.ListJobs(store.JobListOptions{
		ProjectID: jobsProject,
		Status:    domain.JobStatus(jobsStatus),
		Limit:     jobsLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tTYPE\tSTATUS\tATTEMPT\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.ProjectID, j.Type, j.Status,
			j.AttemptNumber, j.MaxAttempts, j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	j, err := s.GetJob(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job:       %s\n", j.ID)
	fmt.Printf("Project:   %s\n", j.ProjectID)
	fmt.Printf("Type:      %s", j.Type)
	if j.AgentID != "" {
		fmt.Printf(" (%s)", j.AgentID)
	}
	fmt.Println()
	fmt.Printf("Status:    %s\n", j.Status)
	fmt.Printf("Trigger:   %s", j.Trigger)
	if j.TriggeredBy != "" {
		fmt.Printf(" by %s", j.TriggeredBy)
	}
	fmt.Println()
	fmt.Printf("Attempt:   %d/%d\n", j.AttemptNumber, j.MaxAttempts)
	if j.StartedAt != nil {
		fmt.Printf("Started:   %s\n", j.StartedAt.Local().Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Completed: %s (%s)\n",
			j.CompletedAt.Local().Format(time.RFC3339),
			(time.Duration(j.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	fmt.Printf("Agents:    %d executed, %d succeeded, %d failed\n",
		j.AgentsExecuted, j.AgentsSucceeded, j.AgentsFailed)
	if j.Error != "" {
		fmt.Printf("Error:     %s\n", j.Error)
	}
	if j.Summary != "" {
		fmt.Printf("Summary:   %s\n", j.Summary)
	}

	logs, err := s.ListExecutionLogs(j.ID)
	if err != nil {
		return err
	}
	if len(logs) > 0 {
		fmt.Println("\nExecution logs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  AGENT\tSTATUS\tDURATION\tSUMMARY")
		for _, l := range logs {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				l.AgentID, l.Status,
				(time.Duration(l.DurationMs) * time.Millisecond).Round(time.Millisecond),
				logSummary(l))
		}
		w.Flush()
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	cancelled, err := s.CancelJob(args[0], time.Now().UTC())
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("job %s is not queued or running", args[0])
	}
	fmt.Printf("Cancelled job %s\n", args[0])
	return nil
}

func runJobsRetryFailed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var result struct {
		Retried int `json:"retried"`
	}
	if err := apiDo(cfg, http.MethodPost, "/api/jobs/retry-failed", &result); err != nil {
		return err
	}
	fmt.Printf("Retried %d failed jobs\n", result.Retried)
	return nil
}

func runSchedulesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	scheds, err := s.ListSchedules(store.ScheduleListOptions{ProjectID: schedProject})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tAGENT\tCADENCE\tENABLED\tPRIO\tLAST RUN\tNEXT ELIGIBLE\tFAILS")
	for _, sch := range scheds {
		lastRun := "never"
		if sch.LastRunAt != nil {
			lastRun = sch.LastRunAt.Local().Format("2006-01-02 15:04")
		}
		next := "-"
		if sch.Enabled {
			if n := schedule.NextRun(sch, now); !n.IsZero() {
				next = n.Local().Format("2006-01-02 15:04")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\t%s\t%d\n",
			sch.ProjectID, sch.AgentID, sch.Cadence, sch.Enabled,
			sch.Priority, lastRun, next, sch.ConsecutiveFailures)
	}
	w.Flush()
	return nil
}

func runScheduleEnable(cmd *cobra.Command, args []string) error {
	return setScheduleEnabled(args[0], args[1], true)
}

func runScheduleDisable(cmd *cobra.Command, args []string) error {
	return setScheduleEnabled(args[0], args[1], false)
}

func setScheduleEnabled(projectID, agentID string, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SetScheduleEnabled(projectID, agentID, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Schedule %s/%s %s\n", projectID, agentID, state)
	return nil
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	projects, err := s.ListProjects(true)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREPO\tARCHIVED")
	for _, p := range projects {
		repo := p.Repo
		if repo == "" {
			repo = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.ID, p.Name, repo, p.Archived)
	}
	w.Flush()
	return nil
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	name := projectName
	if name == "" {
		name = args[0]
	}
	if err := s.UpsertProject(&domain.Project{ID: args[0], Name: name, Repo: projectRepo}); err != nil {
		return err
	}
	fmt.Printf("Project %s saved\n", args[0])
	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var stats dispatch.QueueStats
	if err := apiDo(cfg, http.MethodGet, "/api/queue/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("Queue: %d waiting | %d active | %d completed | %d failed | %d workers",
		stats.Waiting, stats.Active, stats.Completed, stats.Failed, stats.Workers)
	if stats.Paused {
		fmt.Print(" | PAUSED")
	}
	fmt.Println()
	return nil
}

func runQueuePause(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := apiDo(cfg, http.MethodPost, "/api/queue/pause", nil); err != nil {
		return err
	}
	fmt.Println("Queue paused")
	return nil
}

func runQueueResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := apiDo(cfg, http.MethodPost, "/api/queue/resume", nil); err != nil {
		return err
	}
	fmt.Println("Queue resumed")
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, _, err := buildRunner(cfg, s, buildNotifier(cfg))
	if err != nil {
		return err
	}
	maint := maintenance.New(maintenance.Config{}, s, dispatch.NewDirect(s, runner))

	ctx, cancel := signalContext()
	defer cancel()

	report, err := maint.Cleanup(ctx, time.Duration(cleanupHours)*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d jobs, %d logs, %d analyses, %d usage rows; failed %d stuck jobs; reset %d daily counters\n",
		report.JobsDeleted, report.LogsDeleted, report.AnalysesDeleted,
		report.UsageDeleted, report.StuckJobsFailed, report.CountersReset)
	return nil
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, _, err := buildRunner(cfg, s, nil)
	if err != nil {
		return err
	}
	loader := tui.NewStoreLoader(s, dispatch.NewDirect(s, runner), nil)

	p := tea.NewProgram(tui.NewModel(loader, 2*time.Second), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runUpdate(cmd *cobra.Command, args []string) error {
	latest, err := updater.LatestVersion()
	if err != nil {
		return err
	}

	if !updater.NeedsUpdate(version, latest) {
		fmt.Printf("Already up to date (%s)\n", version)
		return nil
	}
	if updateCheck {
		fmt.Printf("Update available: %s -> %s\n", version, latest)
		return nil
	}

	fmt.Printf("Updating %s -> %s...\n", version, latest)
	if err := updater.SelfUpdate(latest); err != nil {
		return err
	}
	fmt.Println("Updated. Restart any running daemon to pick up the new binary.")
	return nil
}

// apiDo calls the serve daemon's HTTP API and decodes the JSON reply
// into out when non-nil.
func apiDo(cfg *config.Config, method, path string, out interface{}) error {
	base := fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator API unreachable at %s, is 'synthstack-orch serve' running? (%w)", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("API returned %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
