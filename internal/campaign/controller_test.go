package campaign

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/clock/system"
	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/id/uuid"
	"github.com/leadharvest/harvester/internal/store/memory"
)

// fakeRunner completes every task instantly unless a city is marked as
// failing or gated.
type fakeRunner struct {
	mu       sync.Mutex
	enqueued []string
	seq      int
	failCity string
	gate     chan struct{}
	waiting  int
}

func (r *fakeRunner) Enqueue(_ context.Context, searchTerm string, _ engine.TaskParams) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("task-%d", r.seq)
	r.enqueued = append(r.enqueued, searchTerm)
	return id, nil
}

func (r *fakeRunner) WaitForTask(ctx context.Context, taskID string, _ time.Duration) (engine.Task, error) {
	if r.gate != nil {
		r.mu.Lock()
		r.waiting++
		r.mu.Unlock()
		select {
		case <-r.gate:
		case <-ctx.Done():
			return engine.Task{}, ctx.Err()
		}
	}
	r.mu.Lock()
	last := ""
	if len(r.enqueued) > 0 {
		last = r.enqueued[len(r.enqueued)-1]
	}
	failCity := r.failCity
	r.mu.Unlock()
	if failCity != "" && strings.Contains(last, failCity) {
		return engine.Task{}, fmt.Errorf("task %s: %w", taskID, engine.ErrTimeout)
	}
	return engine.Task{ID: taskID, Status: engine.TaskStatusCompleted, EntitiesFound: 2}, nil
}

func (r *fakeRunner) enqueueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.enqueued)
}

func (r *fakeRunner) waitingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

type fakeDiscovery struct {
	mu       sync.Mutex
	runs     int
	entities int
}

func (d *fakeDiscovery) Run(_ context.Context, entities []engine.Entity) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs++
	d.entities = len(entities)
	return len(entities), nil
}

func newController(t *testing.T, runner TaskRunner, store Store, disc DiscoveryRunner) *Controller {
	t.Helper()
	c, err := New(Config{TaskTimeout: time.Second}, Deps{
		Runner:    runner,
		Discovery: disc,
		Store:     store,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func waitForCampaign(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("campaign did not finish")
	}
}

func TestStartExpandsStatesIntoCityJobs(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	store := memory.New()
	disc := &fakeDiscovery{}
	c := newController(t, runner, store, disc)

	summary, err := c.Start(context.Background(), "plumber", []string{"CA", "NY"}, Options{CitiesPerState: 4})
	require.NoError(t, err)
	require.Equal(t, 8, summary.TotalTasks)
	waitForCampaign(t, c)

	snap := c.Status()
	require.Equal(t, engine.CampaignStatusCompleted, snap.Status)
	require.False(t, snap.IsRunning)
	require.Equal(t, 8, snap.CompletedTasks)
	require.Zero(t, snap.FailedTasks)
	require.InDelta(t, 1.0, snap.Ratio, 1e-9)
	require.Equal(t, engine.StateProgress{Total: 4, Completed: 4}, snap.Progress["CA"])
	require.Equal(t, engine.StateProgress{Total: 4, Completed: 4}, snap.Progress["NY"])

	// City jobs carry the search term plus location, in table order.
	require.Equal(t, 8, runner.enqueueCount())
	require.Equal(t, "plumber in Los Angeles, CA", runner.enqueued[0])
	require.Equal(t, "plumber in New York, NY", runner.enqueued[4])

	// Final state is persisted.
	stored, err := store.GetCampaign(context.Background(), summary.BatchID)
	require.NoError(t, err)
	require.Equal(t, engine.CampaignStatusCompleted, stored.Status)
	require.Equal(t, 8, stored.CompletedTasks)
}

func TestJobFailureIsRecordedAndCampaignAdvances(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{failCity: "Buffalo"}
	store := memory.New()
	c := newController(t, runner, store, nil)

	summary, err := c.Start(context.Background(), "dentist", []string{"NY"}, Options{CitiesPerState: 4})
	require.NoError(t, err)
	require.Equal(t, 4, summary.TotalTasks)
	waitForCampaign(t, c)

	snap := c.Status()
	require.Equal(t, engine.CampaignStatusCompleted, snap.Status)
	require.Equal(t, 3, snap.CompletedTasks)
	require.Equal(t, 1, snap.FailedTasks)
	require.Len(t, snap.Failures, 1)
	require.Equal(t, "NY", snap.Failures[0].State)
	require.Equal(t, "Buffalo", snap.Failures[0].City)
	require.Contains(t, snap.Failures[0].Reason, "timed out")
	require.InDelta(t, 1.0, snap.Ratio, 1e-9)

	stored, err := store.GetCampaign(context.Background(), summary.BatchID)
	require.NoError(t, err)
	require.Len(t, stored.Failures, 1)
}

func TestStopClearsRemainingJobs(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{gate: make(chan struct{})}
	store := memory.New()
	c := newController(t, runner, store, nil)

	_, err := c.Start(context.Background(), "plumber", []string{"CA", "NY"}, Options{CitiesPerState: 4})
	require.NoError(t, err)

	// Let three jobs through, then stop while the fourth is in flight.
	for i := 0; i < 3; i++ {
		runner.gate <- struct{}{}
	}
	require.Eventually(t, func() bool { return runner.waitingCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	stopDone := make(chan Snapshot, 1)
	go func() {
		snap, stopErr := c.Stop(context.Background())
		require.NoError(t, stopErr)
		stopDone <- snap
	}()
	require.Eventually(t, c.isStopping, time.Second, 5*time.Millisecond)
	runner.gate <- struct{}{}

	snap := <-stopDone
	require.Equal(t, engine.CampaignStatusStopped, snap.Status)
	require.False(t, snap.IsRunning)
	require.Equal(t, 8, snap.TotalTasks)
	require.Equal(t, 4, snap.CompletedTasks)
	require.InDelta(t, 1.0, snap.Ratio, 1e-9)

	// No job past the in-flight one ever started.
	require.Equal(t, 4, runner.enqueueCount())
}

func TestCompletionTriggersDiscovery(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	store := memory.New()
	require.NoError(t, store.SaveEntities(context.Background(), []engine.Entity{
		{ID: "e-1", TaskID: "task-1", Website: "https://a.net"},
		{ID: "e-2", TaskID: "task-2", Website: "https://b.net"},
	}))
	disc := &fakeDiscovery{}
	c := newController(t, runner, store, disc)

	_, err := c.Start(context.Background(), "florist", []string{"OR"}, Options{CitiesPerState: 2})
	require.NoError(t, err)
	waitForCampaign(t, c)

	disc.mu.Lock()
	defer disc.mu.Unlock()
	require.Equal(t, 1, disc.runs)
	require.Equal(t, 2, disc.entities)
}

func TestStartRejectsConcurrentCampaign(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{gate: make(chan struct{})}
	c := newController(t, runner, memory.New(), nil)

	_, err := c.Start(context.Background(), "plumber", []string{"CA"}, Options{CitiesPerState: 2})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), "dentist", []string{"NY"}, Options{})
	require.ErrorIs(t, err, engine.ErrAlreadyRunning)

	close(runner.gate)
	waitForCampaign(t, c)

	// Terminal campaign frees the slot for the next start.
	_, err = c.Start(context.Background(), "dentist", []string{"NY"}, Options{CitiesPerState: 1})
	require.NoError(t, err)
	waitForCampaign(t, c)
}

func TestUnknownStateFallsBackToStatewideJob(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	c := newController(t, runner, memory.New(), nil)

	summary, err := c.Start(context.Background(), "roofer", []string{"ZZ"}, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalTasks)
	waitForCampaign(t, c)
	require.Equal(t, "roofer in ZZ, ZZ", runner.enqueued[0])
}

func TestStatusIdleBeforeFirstStart(t *testing.T) {
	t.Parallel()

	c := newController(t, &fakeRunner{}, memory.New(), nil)
	snap := c.Status()
	require.Equal(t, engine.CampaignStatusIdle, snap.Status)
	require.False(t, snap.IsRunning)
	require.Zero(t, snap.Ratio)
}
