package orchestrator

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// JobSubmitter enqueues a batch job for a project.
type JobSubmitter interface {
	AddJob(ctx context.Context, projectID string, trigger domain.TriggerSource) (*domain.Job, error)
}

// RunAllEligible scans every project with enabled schedules and submits
// a batch job for each one that has at least one eligible schedule and
// no batch already in flight. Returns how many jobs were submitted.
func (r *Runner) RunAllEligible(ctx context.Context, submit JobSubmitter, maxConcurrent int) (int, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	projectIDs, err := r.store.ProjectIDsWithEnabledSchedules()
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	var mu sync.Mutex
	submitted := 0
	for _, projectID := range projectIDs {
		g.Go(func() error {
			schedules, err := r.store.ListSchedules(store.ScheduleListOptions{
				ProjectID:   projectID,
				EnabledOnly: true,
			})
			if err != nil {
				return err
			}
			if len(r.evaluator.Eligible(schedules, r.now())) == 0 {
				return nil
			}

			active, err := r.store.ActiveJobExists(projectID)
			if err != nil {
				return err
			}
			if active {
				log.Printf("project %s: batch already in flight, not enqueueing another", projectID)
				return nil
			}

			if _, err := submit.AddJob(ctx, projectID, domain.TriggerCron); err != nil {
				// One project failing to enqueue must not stop the sweep.
				log.Printf("project %s: enqueue batch: %v", projectID, err)
				return nil
			}
			mu.Lock()
			submitted++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return submitted, err
	}
	return submitted, nil
}
