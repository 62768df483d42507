package ghanalysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	block   chan struct{} // when set, Fetch waits on it
	commits int
}

func (f *fakeSource) Fetch(ctx context.Context, repo string, periodHours int) (*domain.Analysis, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	fail := f.fail
	commits := f.commits
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("github unreachable")
	}
	return &domain.Analysis{Repo: repo, PeriodHours: periodHours, CommitCount: commits}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCache(t *testing.T, src Source) (*Cache, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertProject(&domain.Project{ID: "proj-1", Name: "Proj One", Repo: "org/proj-one"}); err != nil {
		t.Fatal(err)
	}
	return NewCache(s, src, time.Hour, 24*time.Hour), s
}

func TestCache_MissFetchesThenHits(t *testing.T) {
	src := &fakeSource{commits: 7}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	r, err := c.Get(ctx, "proj-1", 24, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cached {
		t.Error("first read should not be served from cache")
	}
	if r.Analysis.CommitCount != 7 {
		t.Errorf("CommitCount = %d, want 7", r.Analysis.CommitCount)
	}

	r, err = c.Get(ctx, "proj-1", 24, false)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Cached {
		t.Error("second read should hit the cache")
	}
	if src.callCount() != 1 {
		t.Errorf("source fetched %d times, want 1", src.callCount())
	}
}

func TestCache_SeparateEntriesPerPeriod(t *testing.T) {
	src := &fakeSource{}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	if _, err := c.Get(ctx, "proj-1", 24, false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "proj-1", 168, false); err != nil {
		t.Fatal(err)
	}
	if src.callCount() != 2 {
		t.Errorf("source fetched %d times, want one per period", src.callCount())
	}
}

func TestCache_ExpiredEntryRefetches(t *testing.T) {
	src := &fakeSource{}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	t0 := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return t0 }
	if _, err := c.Get(ctx, "proj-1", 24, false); err != nil {
		t.Fatal(err)
	}

	// Two hours later the one-hour TTL has passed.
	c.now = func() time.Time { return t0.Add(2 * time.Hour) }
	r, err := c.Get(ctx, "proj-1", 24, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cached {
		t.Error("expired entry must not be served as a hit")
	}
	if src.callCount() != 2 {
		t.Errorf("source fetched %d times, want 2", src.callCount())
	}
}

func TestCache_RefreshBypassesLiveEntry(t *testing.T) {
	src := &fakeSource{commits: 1}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	if _, err := c.Get(ctx, "proj-1", 24, false); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.commits = 9
	src.mu.Unlock()

	r, err := c.Get(ctx, "proj-1", 24, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cached {
		t.Error("forced refresh should not be a cache hit")
	}
	if r.Analysis.CommitCount != 9 {
		t.Errorf("CommitCount = %d, want the refetched 9", r.Analysis.CommitCount)
	}
}

func TestCache_InvalidateLeavesEntryVisiblyStale(t *testing.T) {
	src := &fakeSource{}
	c, s := newTestCache(t, src)
	ctx := context.Background()

	if _, err := c.Get(ctx, "proj-1", 24, false); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate("proj-1"); err != nil {
		t.Fatal(err)
	}

	// The row survives invalidation and is marked, not deleted.
	entry, err := s.GetAnalysisEntry("proj-1", 24)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.IsStale {
		t.Error("invalidated entry should be flagged stale")
	}

	// The next read refetches instead of serving the stale row.
	if _, err := c.Get(ctx, "proj-1", 24, false); err != nil {
		t.Fatal(err)
	}
	if src.callCount() != 2 {
		t.Errorf("source fetched %d times, want 2 after invalidation", src.callCount())
	}
}

func TestCache_GraceFallbackWhenFetchFails(t *testing.T) {
	src := &fakeSource{commits: 5}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	t0 := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return t0 }
	if _, err := c.Get(ctx, "proj-1", 24, false); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	// TTL has passed but the entry is inside the 24h grace window.
	c.now = func() time.Time { return t0.Add(3 * time.Hour) }
	r, err := c.Get(ctx, "proj-1", 24, false)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Degraded {
		t.Error("fallback result should be flagged degraded")
	}
	if r.Analysis.CommitCount != 5 {
		t.Errorf("CommitCount = %d, want the cached 5", r.Analysis.CommitCount)
	}

	// Outside the grace window the failure surfaces.
	c.now = func() time.Time { return t0.Add(25 * time.Hour) }
	if _, err := c.Get(ctx, "proj-1", 24, false); err == nil {
		t.Error("expected an error once the grace window has passed")
	}
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(ctx, "proj-1", 24, false)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if results[i] == nil || results[i].Analysis == nil {
			t.Fatalf("result %d missing analysis", i)
		}
	}
	if src.callCount() != 1 {
		t.Errorf("source fetched %d times, want concurrent reads to share one fetch", src.callCount())
	}
}
