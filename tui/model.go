package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerpool"
)

// Snapshot is one refresh worth of dashboard data
type Snapshot struct {
	Stats     dispatch.QueueStats
	Running   []*domain.Job
	Queued    []*domain.Job
	Recent    []*domain.Job
	Failures  []*domain.Job
	Schedules []*domain.Schedule
	Workers   []workerpool.WorkerStatus
}

// Loader fetches a fresh Snapshot on every refresh tick
type Loader func() (*Snapshot, error)

// Model is the TUI application model
type Model struct {
	loader Loader

	// Data
	snap *Snapshot
	err  error

	// UI state
	width     int
	height    int
	activeTab int
	scroll    int

	// Refresh
	refreshEvery time.Duration
	lastRefresh  time.Time
}

// NewModel creates a new dashboard model
func NewModel(loader Loader, refreshEvery time.Duration) Model {
	if refreshEvery <= 0 {
		refreshEvery = 2 * time.Second
	}
	return Model{
		loader:       loader,
		refreshEvery: refreshEvery,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.loader),
		tickCmd(m.refreshEvery),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg carries freshly loaded dashboard data
type SnapshotMsg struct {
	Snap *Snapshot
	Err  error
}

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(loader Loader) tea.Cmd {
	return func() tea.Msg {
		snap, err := loader()
		return SnapshotMsg{Snap: snap, Err: err}
	}
}

// NewStoreLoader builds a Loader that reads straight from the store and
// dispatcher. coord may be nil when no worker pool runs.
func NewStoreLoader(s *store.Store, disp dispatch.Dispatcher, coord *workerpool.Coordinator) Loader {
	return func() (*Snapshot, error) {
		stats, err := disp.Stats(context.Background())
		if err != nil {
			return nil, err
		}
		running, err := s.ListJobs(store.JobListOptions{Status: domain.JobRunning, Limit: 20})
		if err != nil {
			return nil, err
		}
		queued, err := s.ListQueuedJobs()
		if err != nil {
			return nil, err
		}
		recent, err := s.ListJobs(store.JobListOptions{Limit: 50})
		if err != nil {
			return nil, err
		}
		failures, err := s.ListJobs(store.JobListOptions{Status: domain.JobFailed, Limit: 20})
		if err != nil {
			return nil, err
		}
		schedules, err := s.ListSchedules(store.ScheduleListOptions{})
		if err != nil {
			return nil, err
		}

		snap := &Snapshot{
			Stats:     stats,
			Running:   running,
			Queued:    queued,
			Recent:    recent,
			Failures:  failures,
			Schedules: schedules,
		}
		if coord != nil {
			snap.Workers = coord.WorkerStatuses()
		}
		return snap, nil
	}
}
