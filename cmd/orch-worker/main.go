package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manicinc/synthstack-sub004/internal/agents"
	"github.com/manicinc/synthstack-sub004/internal/config"
	"github.com/manicinc/synthstack-sub004/internal/ghanalysis"
	"github.com/manicinc/synthstack-sub004/internal/notify"
	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/ratelimit"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/worker"
)

var (
	configPath string
	serverURL  string
	workerID   string
	maxJobs    int
	dbPath     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orch-worker",
		Short: "Orchestration worker that runs jobs assigned by a coordinator",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "coordinator WebSocket URL")
	rootCmd.Flags().StringVar(&workerID, "id", "", "worker id, defaults to hostname-pid")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 2, "maximum concurrent jobs")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "override the shared database path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.General.DatabasePath = config.ExpandPath(dbPath)
	}

	s, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, err := buildRunner(cfg, s)
	if err != nil {
		return err
	}

	url := serverURL
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d/ws/worker", cfg.Web.Host, cfg.Web.Port)
	}

	client, err := worker.New(worker.Config{
		CoordinatorURL: url,
		WorkerID:       workerID,
		MaxJobs:        maxJobs,
		JobTimeout:     time.Duration(cfg.Queue.JobTimeoutMinutes) * time.Minute,
	}, s, runner)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		client.Stop()
	}()

	fmt.Printf("Starting worker connecting to %s (max_jobs=%d)...\n", url, maxJobs)

	// Blocks until stopped, redialing on connection loss
	return client.RunWithReconnect()
}

// buildRunner assembles the same agent registry the serve daemon uses,
// so assigned jobs behave identically wherever they run.
func buildRunner(cfg *config.Config, s *store.Store) (*orchestrator.Runner, error) {
	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notifications.WebhookURL))
	}
	var notifier notify.Notifier
	switch len(notifiers) {
	case 0:
	case 1:
		notifier = notifiers[0]
	default:
		notifier = notify.NewMultiNotifier(notifiers...)
	}

	analyses := ghanalysis.NewCache(s, ghanalysis.CLISource{},
		time.Duration(cfg.GitHub.CacheTTLMinutes)*time.Minute,
		time.Duration(cfg.GitHub.CacheGraceMinutes)*time.Minute)

	registry := agents.NewRegistry()
	if err := registry.Register(agents.NewActivityAgent(analyses, ratelimit.New(s), notifier, 0)); err != nil {
		return nil, err
	}
	for _, a := range cfg.Agents {
		if err := registry.Register(agents.NewCommandAgent(a.ID, a.Purpose, a.Program, a.Args...)); err != nil {
			return nil, fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
	}

	timeout := time.Duration(cfg.Orchestrator.AgentTimeoutMinutes) * time.Minute
	return orchestrator.NewRunner(s, registry, notifier, timeout), nil
}
