package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/clock/system"
	"github.com/leadharvest/harvester/internal/engine"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   map[string][]string
	pending []engine.Entity
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]string)}
}

func (s *fakeStore) SaveEntityEmail(_ context.Context, entityID string, email string, altEmails []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[entityID] = append([]string{email}, altEmails...)
	return nil
}

func (s *fakeStore) ListEntitiesMissingEmail(_ context.Context, _ int) ([]engine.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Entity(nil), s.pending...), nil
}

func (s *fakeStore) savedEmail(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]engine.Page
	errs    map[string]error
	inUse   atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]engine.Page),
		errs:  make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (engine.Page, error) {
	cur := f.inUse.Add(1)
	defer f.inUse.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	f.calls.Add(1)
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return engine.Page{}, err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return engine.Page{}, fmt.Errorf("unreachable %s: %w", url, engine.ErrTransient)
}

type fakeGuard struct {
	rotations atomic.Int32
	failures  atomic.Int32
}

func (g *fakeGuard) Wait(context.Context, string) error { return nil }
func (g *fakeGuard) RegisterFailure(string, error)      { g.failures.Add(1) }
func (g *fakeGuard) RegisterSuccess()                   {}
func (g *fakeGuard) RotateIfNeeded(context.Context) error {
	g.rotations.Add(1)
	return nil
}

func testPool(t *testing.T, store Store, fetcher engine.PageFetcher, workers int) *Pool {
	t.Helper()
	pool, err := NewPool(Config{
		Workers:      workers,
		MaxRetries:   1,
		BackoffMin:   time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		ContactPaths: []string{"/contact", "/about"},
		DenyPatterns: testDenyPatterns,
		SkipDomains:  []string{"facebook.com"},
		NavTimeout:   time.Second,
	}, Deps{
		Store:  store,
		Probe:  fetcher,
		Guard:  &fakeGuard{},
		Clock:  system.New(),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return pool
}

func waitForRun(t *testing.T, pool *Pool) {
	t.Helper()
	select {
	case <-pool.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("discovery run did not finish")
	}
}

func TestRunFindsAndPersistsRankedEmail(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://acme.io"] = engine.Page{
		URL:  "https://acme.io",
		Body: `<p>lots of visible text on this page so no promotion is needed at all here</p> personal@gmail.com contact@acme.io`,
	}
	store := newFakeStore()
	pool := testPool(t, store, fetcher, 2)

	queued, err := pool.Run(context.Background(), []engine.Entity{
		{ID: "e-1", Website: "https://acme.io", Domain: "acme.io"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	waitForRun(t, pool)

	saved := store.savedEmail("e-1")
	require.NotEmpty(t, saved)
	require.Equal(t, "contact@acme.io", saved[0])
	require.Contains(t, saved, "personal@gmail.com")

	snap := pool.Status()
	require.False(t, snap.Running)
	require.Equal(t, 1, snap.Processed)
	require.Equal(t, 1, snap.Found)
}

func TestRunProbesContactPaths(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://acme.io"] = engine.Page{
		Body: "plenty of welcome copy but not a single address to be found anywhere on this landing page",
	}
	fetcher.pages["https://acme.io/contact"] = engine.Page{
		Body: "write to info@acme.io and we will answer, this page has enough text to avoid promotion",
	}
	store := newFakeStore()
	pool := testPool(t, store, fetcher, 1)

	_, err := pool.Run(context.Background(), []engine.Entity{
		{ID: "e-1", Website: "https://acme.io", Domain: "acme.io"},
	})
	require.NoError(t, err)
	waitForRun(t, pool)

	saved := store.savedEmail("e-1")
	require.NotEmpty(t, saved)
	require.Equal(t, "info@acme.io", saved[0])
}

func TestRunUnreachableSiteCountsProcessedWithoutEmail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pool := testPool(t, store, newFakeFetcher(), 1)

	_, err := pool.Run(context.Background(), []engine.Entity{
		{ID: "e-1", Website: "https://gone.example.net"},
	})
	require.NoError(t, err)
	waitForRun(t, pool)

	require.Empty(t, store.savedEmail("e-1"))
	snap := pool.Status()
	require.Equal(t, 1, snap.Processed)
	require.Equal(t, 0, snap.Found)
}

func TestRunDedupsAndFiltersEntities(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pool := testPool(t, store, newFakeFetcher(), 2)

	queued, err := pool.Run(context.Background(), []engine.Entity{
		{ID: "e-1", Website: "https://a.example.net"},
		{ID: "e-1", Website: "https://a.example.net"},
		{ID: "e-2", Website: "https://b.example.net", Email: "done@b.example.net"},
		{ID: "e-3"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	waitForRun(t, pool)
	require.Equal(t, 1, pool.Status().Processed)
}

func TestRunBoundsWorkerParallelism(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	var entities []engine.Entity
	for i := 0; i < 12; i++ {
		url := fmt.Sprintf("https://site-%d.net", i)
		fetcher.pages[url] = engine.Page{Body: "a page with plenty of plain readable text and nothing interesting on it at all"}
		entities = append(entities, engine.Entity{ID: fmt.Sprintf("e-%d", i), Website: url})
	}
	store := newFakeStore()
	pool := testPool(t, store, fetcher, 3)

	_, err := pool.Run(context.Background(), entities)
	require.NoError(t, err)
	waitForRun(t, pool)

	require.LessOrEqual(t, fetcher.maxSeen.Load(), int32(3))
	require.Equal(t, 12, pool.Status().Processed)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://slow.net"] = engine.Page{Body: "slow but steady text that is long enough to not trigger any promotion logic"}
	store := newFakeStore()
	pool := testPool(t, store, fetcher, 1)

	_, err := pool.Run(context.Background(), []engine.Entity{
		{ID: "e-1", Website: "https://slow.net"},
		{ID: "e-2", Website: "https://slow.net"},
	})
	require.NoError(t, err)

	_, err = pool.Run(context.Background(), []engine.Entity{{ID: "e-9", Website: "https://slow.net"}})
	require.ErrorIs(t, err, engine.ErrAlreadyRunning)
	waitForRun(t, pool)
}

func TestStopClearsQueue(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	var entities []engine.Entity
	for i := 0; i < 50; i++ {
		url := fmt.Sprintf("https://stop-%d.net", i)
		fetcher.pages[url] = engine.Page{Body: "another long enough page body that keeps the promotion heuristic quiet here"}
		entities = append(entities, engine.Entity{ID: fmt.Sprintf("e-%d", i), Website: url})
	}
	store := newFakeStore()
	pool := testPool(t, store, fetcher, 1)

	_, err := pool.Run(context.Background(), entities)
	require.NoError(t, err)
	pool.Stop()
	waitForRun(t, pool)

	// At most the in-flight entity finished; the rest were discarded.
	require.Less(t, pool.Status().Processed, 50)
	require.Zero(t, pool.Status().QueueLength)
}

func TestRunPendingLoadsFromStore(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.pages["https://acme.io"] = engine.Page{
		Body: "say hello at hello@acme.io, plus filler text so the static fetch result is trusted",
	}
	store := newFakeStore()
	store.pending = []engine.Entity{{ID: "e-1", Website: "https://acme.io", Domain: "acme.io"}}
	pool := testPool(t, store, fetcher, 1)

	queued, err := pool.RunPending(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	waitForRun(t, pool)
	require.Equal(t, []string{"hello@acme.io", "hello@acme.io"}, store.savedEmail("e-1"))
}
