package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/manicinc/synthstack-sub004/internal/config"
	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/maintenance"
	"github.com/manicinc/synthstack-sub004/internal/notify"
	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/workerpool"
	"github.com/manicinc/synthstack-sub004/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon: HTTP API, queue and schedule ticks",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured API port")
	rootCmd.AddCommand(serveCmd)
}

// sseRelay forwards runner notifications to the API server's event
// stream. Runner construction precedes server construction, so the
// target is bound late.
type sseRelay struct {
	mu     sync.Mutex
	target notify.Notifier
}

func (r *sseRelay) bind(n notify.Notifier) {
	r.mu.Lock()
	r.target = n
	r.mu.Unlock()
}

func (r *sseRelay) Send(n notify.Notification) error {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.Send(n)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var coord *workerpool.Coordinator
	if cfg.Queue.Enabled {
		coord = workerpool.New(workerpool.Config{
			JobTimeout: time.Duration(cfg.Queue.JobTimeoutMinutes) * time.Minute,
		}, s)
		go coord.Run(ctx)
	}

	relay := &sseRelay{}
	runner, analyses, err := buildRunner(cfg, s, buildNotifier(cfg, relay))
	if err != nil {
		return err
	}

	disp := dispatch.New(s, runner, coord)
	if cfg.Queue.Paused {
		disp.Pause()
	}

	maint := maintenance.New(maintenance.Config{}, s, disp)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	server := api.NewServer(s, disp, coord, maint, analyses, addr)
	relay.bind(api.NewEventNotifier(server))

	// Re-apply the pause flag when the config file changes on disk.
	// Everything else needs a restart.
	watcher, err := config.NewWatcher(cfgPath, func(newCfg *config.Config) {
		switch {
		case newCfg.Queue.Paused && !disp.IsPaused():
			disp.Pause()
			log.Printf("config reload: queue paused")
		case !newCfg.Queue.Paused && disp.IsPaused():
			disp.Resume()
			log.Printf("config reload: queue resumed")
		}
	})
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	go dispatchLoop(ctx, cfg, runner, disp)
	go maintenanceLoop(ctx, cfg, maint)

	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutCtx)
	}()

	log.Printf("orchestrator listening on http://%s (queue=%v)", addr, cfg.Queue.Enabled)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// dispatchLoop submits jobs for all eligible schedules, once at
// startup and then on every tick.
func dispatchLoop(ctx context.Context, cfg *config.Config, runner *orchestrator.Runner, disp dispatch.Dispatcher) {
	every := time.Duration(cfg.Orchestrator.DispatchTickMinutes) * time.Minute
	if every <= 0 {
		every = 5 * time.Minute
	}

	sweep := func() {
		n, err := runner.RunAllEligible(ctx, dispatch.AsSubmitter(disp), cfg.Orchestrator.MaxConcurrentProjects)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatch tick: %v", err)
		}
		if n > 0 {
			log.Printf("dispatch tick: submitted %d jobs", n)
		}
	}

	sweep()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func maintenanceLoop(ctx context.Context, cfg *config.Config, maint *maintenance.Worker) {
	every := time.Duration(cfg.Orchestrator.MaintenanceTickHours) * time.Hour
	if every <= 0 {
		every = 6 * time.Hour
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maint.Tick(ctx)
		}
	}
}
