package ghanalysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// Result is an analysis plus where it came from.
type Result struct {
	Analysis   *domain.Analysis `json:"analysis"`
	Cached     bool             `json:"cached"`
	Degraded   bool             `json:"degraded,omitempty"` // dead entry served because the refresh failed
	ComputedAt time.Time        `json:"computed_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Cache serves repository analyses from the store, refreshing entries
// through the Source when they are missing, stale or expired.
// Concurrent refreshes of the same (project, period) collapse into one
// upstream fetch.
type Cache struct {
	store  *store.Store
	source Source
	ttl    time.Duration
	grace  time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// NewCache creates a Cache. ttl bounds how long a fetched analysis
// stays live; grace bounds how old a dead entry may be and still be
// served when a refresh fails.
func NewCache(s *store.Store, src Source, ttl, grace time.Duration) *Cache {
	return &Cache{store: s, source: src, ttl: ttl, grace: grace, now: time.Now}
}

// Get returns the analysis for a project over the trailing period.
// With refresh set, every entry for the project is first marked stale
// so the fetch cannot be skipped.
func (c *Cache) Get(ctx context.Context, projectID string, periodHours int, refresh bool) (*Result, error) {
	if refresh {
		if _, err := c.store.MarkAnalysisStale(projectID); err != nil {
			return nil, err
		}
	} else {
		entry, err := c.store.GetAnalysisEntry(projectID, periodHours)
		if err == nil && entry.Usable(c.now()) {
			return &Result{
				Analysis:   &entry.Analysis,
				Cached:     true,
				ComputedAt: entry.ComputedAt,
				ExpiresAt:  entry.ExpiresAt,
			}, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	key := fmt.Sprintf("%s/%d", projectID, periodHours)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.refresh(ctx, projectID, periodHours)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Invalidate marks every cached analysis for the project stale. The
// entries stay readable as explicitly stale data until the next fetch
// replaces them.
func (c *Cache) Invalidate(projectID string) error {
	_, err := c.store.MarkAnalysisStale(projectID)
	return err
}

func (c *Cache) refresh(ctx context.Context, projectID string, periodHours int) (*Result, error) {
	p, err := c.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	analysis, fetchErr := c.source.Fetch(ctx, p.Repo, periodHours)
	now := c.now()
	if fetchErr == nil {
		entry := &domain.AnalysisEntry{
			ProjectID:   projectID,
			PeriodHours: periodHours,
			Analysis:    *analysis,
			ComputedAt:  now,
			ExpiresAt:   now.Add(c.ttl),
		}
		if err := c.store.PutAnalysisEntry(entry); err != nil {
			return nil, err
		}
		return &Result{Analysis: analysis, ComputedAt: now, ExpiresAt: entry.ExpiresAt}, nil
	}

	// The fetch failed. A stale or expired entry within the grace
	// window is better than nothing, but the caller sees it flagged.
	prev, err := c.store.GetAnalysisEntry(projectID, periodHours)
	if err == nil && now.Sub(prev.ComputedAt) <= c.grace {
		log.Printf("github analysis %s/%dh: refresh failed, serving data from %s: %v",
			projectID, periodHours, prev.ComputedAt.Format(time.RFC3339), fetchErr)
		return &Result{
			Analysis:   &prev.Analysis,
			Cached:     true,
			Degraded:   true,
			ComputedAt: prev.ComputedAt,
			ExpiresAt:  prev.ExpiresAt,
		}, nil
	}
	return nil, fmt.Errorf("fetch github analysis %s/%dh: %w", projectID, periodHours, fetchErr)
}
