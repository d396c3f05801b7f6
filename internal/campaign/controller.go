// Package campaign sequences search tasks across geographic targets and
// tracks partial failure per state.
package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/progress"
)

// TaskRunner is the scheduler surface the controller drives.
type TaskRunner interface {
	Enqueue(ctx context.Context, searchTerm string, params engine.TaskParams) (string, error)
	WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (engine.Task, error)
}

// DiscoveryRunner starts email discovery over collected entities.
type DiscoveryRunner interface {
	Run(ctx context.Context, entities []engine.Entity) (int, error)
}

// Store is the persistence surface the controller needs.
type Store interface {
	CreateCampaign(ctx context.Context, campaign engine.Campaign) error
	UpdateCampaignProgress(ctx context.Context, campaign engine.Campaign) error
	RecordCampaignFailure(ctx context.Context, campaignID string, failure engine.FailureRecord) error
	ListEntitiesForTasks(ctx context.Context, taskIDs []string) ([]engine.Entity, error)
}

// Config controls campaign behavior.
type Config struct {
	TaskTimeout    time.Duration
	CitiesPerState int
}

// Options tune a single campaign start.
type Options struct {
	CitiesPerState int
}

// Summary is returned by Start.
type Summary struct {
	BatchID    string `json:"batch_id"`
	TotalTasks int    `json:"total_tasks"`
}

// Snapshot is a read-only view of the active (or last) campaign.
type Snapshot struct {
	BatchID        string                          `json:"batch_id,omitempty"`
	Status         engine.CampaignStatus           `json:"status"`
	IsRunning      bool                            `json:"is_running"`
	SearchTerm     string                          `json:"search_term,omitempty"`
	TotalTasks     int                             `json:"total_tasks"`
	CompletedTasks int                             `json:"completed_tasks"`
	FailedTasks    int                             `json:"failed_tasks"`
	Progress       map[string]engine.StateProgress `json:"progress,omitempty"`
	Failures       []engine.FailureRecord          `json:"failures,omitempty"`
	Ratio          float64                         `json:"ratio"`
	Elapsed        time.Duration                   `json:"elapsed"`
}

// Deps carries the controller's collaborators. Discovery, Emitter, and
// Publisher are optional.
type Deps struct {
	Runner    TaskRunner
	Discovery DiscoveryRunner
	Store     Store
	IDs       engine.IDGenerator
	Clock     engine.Clock
	Emitter   progress.Emitter
	Publisher engine.Publisher
	Topic     string
	Logger    *zap.Logger
}

type cityJob struct {
	state string
	city  string
}

// Controller is the batch state machine: Idle, then Running, ending in
// Completed, Stopped, or Failed. Only one campaign runs at a time; city
// jobs execute strictly one after another to bound the external request
// rate.
type Controller struct {
	cfg       Config
	runner    TaskRunner
	discovery DiscoveryRunner
	store     Store
	ids       engine.IDGenerator
	clock     engine.Clock
	emitter   progress.Emitter
	publisher engine.Publisher
	topic     string
	logger    *zap.Logger

	mu       sync.Mutex
	campaign *engine.Campaign
	stopping bool
	done     chan struct{}
	taskIDs  []string
}

// New builds a Controller in the Idle state.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Runner == nil || deps.Store == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, fmt.Errorf("runner, store, id generator, and clock are required")
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		runner:    deps.Runner,
		discovery: deps.Discovery,
		store:     deps.Store,
		ids:       deps.IDs,
		clock:     deps.Clock,
		emitter:   deps.Emitter,
		publisher: deps.Publisher,
		topic:     deps.Topic,
		logger:    logger.Named("campaign"),
	}, nil
}

// Start expands states into ordered city jobs, persists the campaign
// header, and begins sequential processing. Rejects with
// engine.ErrAlreadyRunning while a campaign is active.
func (c *Controller) Start(ctx context.Context, searchTerm string, states []string, opts Options) (Summary, error) {
	if searchTerm == "" {
		return Summary{}, fmt.Errorf("search term is required")
	}
	if len(states) == 0 {
		return Summary{}, fmt.Errorf("at least one state is required")
	}
	limit := opts.CitiesPerState
	if limit <= 0 {
		limit = c.cfg.CitiesPerState
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign != nil && c.campaign.Status == engine.CampaignStatusRunning {
		return Summary{}, engine.ErrAlreadyRunning
	}

	var jobs []cityJob
	prog := make(map[string]engine.StateProgress, len(states))
	for _, state := range states {
		cities := citiesFor(state, limit)
		prog[state] = engine.StateProgress{Total: len(cities)}
		for _, city := range cities {
			jobs = append(jobs, cityJob{state: state, city: city})
		}
	}

	id, err := c.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate campaign id: %w", err)
	}
	campaign := engine.Campaign{
		ID:         id,
		SearchTerm: searchTerm,
		States:     append([]string(nil), states...),
		Progress:   prog,
		Status:     engine.CampaignStatusRunning,
		TotalTasks: len(jobs),
		Started:    c.clock.Now(),
	}
	if err := c.store.CreateCampaign(ctx, campaign); err != nil {
		return Summary{}, fmt.Errorf("cannot schedule work: %w", err)
	}

	c.campaign = &campaign
	c.stopping = false
	c.taskIDs = nil
	c.done = make(chan struct{})
	go c.process(ctx, jobs)

	c.logger.Info("campaign started",
		zap.String("batch_id", id),
		zap.Strings("states", states),
		zap.Int("total_tasks", len(jobs)))
	return Summary{BatchID: id, TotalTasks: len(jobs)}, nil
}

// Stop clears the remaining job queue, lets the in-flight job finish, and
// returns the final snapshot. A no-op when nothing is running.
func (c *Controller) Stop(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.campaign == nil || c.campaign.Status != engine.CampaignStatusRunning {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	c.stopping = true
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("stop campaign: %w", ctx.Err())
	}
	return c.Status(), nil
}

// Status returns a read-only snapshot.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Done returns a channel closed when the current campaign finishes. Nil
// before the first Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) snapshotLocked() Snapshot {
	if c.campaign == nil {
		return Snapshot{Status: engine.CampaignStatusIdle}
	}
	camp := c.campaign
	snap := Snapshot{
		BatchID:        camp.ID,
		Status:         camp.Status,
		IsRunning:      camp.Status == engine.CampaignStatusRunning,
		SearchTerm:     camp.SearchTerm,
		TotalTasks:     camp.TotalTasks,
		CompletedTasks: camp.CompletedTasks,
		FailedTasks:    camp.FailedTasks,
		Failures:       append([]engine.FailureRecord(nil), camp.Failures...),
		Progress:       make(map[string]engine.StateProgress, len(camp.Progress)),
	}
	for k, v := range camp.Progress {
		snap.Progress[k] = v
	}
	switch {
	case camp.Status.Terminal():
		snap.Ratio = 1.0
	case camp.TotalTasks > 0:
		snap.Ratio = float64(camp.CompletedTasks+camp.FailedTasks) / float64(camp.TotalTasks)
	}
	if camp.Finished != nil {
		snap.Elapsed = camp.Finished.Sub(camp.Started)
	} else {
		snap.Elapsed = c.clock.Now().Sub(camp.Started)
	}
	return snap
}

// process runs city jobs one at a time. Job failures are recorded and the
// campaign advances; only stop requests and context cancellation end the
// run early.
func (c *Controller) process(ctx context.Context, jobs []cityJob) {
	for _, job := range jobs {
		if c.isStopping() || ctx.Err() != nil {
			break
		}
		c.runJob(ctx, job)
	}
	c.finalize(ctx)
}

func (c *Controller) runJob(ctx context.Context, job cityJob) {
	camp := c.currentCampaign()
	term := fmt.Sprintf("%s in %s, %s", camp.SearchTerm, job.city, job.state)
	logger := c.logger.With(
		zap.String("batch_id", camp.ID),
		zap.String("state", job.state),
		zap.String("city", job.city))

	c.updateState(job.state, func(p *engine.StateProgress) { p.InProgress++ })
	start := c.clock.Now()

	taskID, err := c.runner.Enqueue(ctx, term, engine.TaskParams{State: job.state, City: job.city})
	if err == nil {
		c.recordTaskID(taskID)
		_, err = c.runner.WaitForTask(ctx, taskID, c.cfg.TaskTimeout)
	}

	c.mu.Lock()
	prog := c.campaign.Progress[job.state]
	prog.InProgress--
	if err != nil {
		prog.Failed++
		c.campaign.FailedTasks++
		c.campaign.Failures = append(c.campaign.Failures, engine.FailureRecord{
			State:  job.state,
			City:   job.city,
			Reason: err.Error(),
		})
	} else {
		prog.Completed++
		c.campaign.CompletedTasks++
	}
	c.campaign.Progress[job.state] = prog
	snapshot := *c.campaign
	campaignID := c.campaign.ID
	c.mu.Unlock()

	if err != nil {
		logger.Warn("city job failed", zap.Error(err))
		if recErr := c.store.RecordCampaignFailure(ctx, campaignID, engine.FailureRecord{
			State:  job.state,
			City:   job.city,
			Reason: err.Error(),
		}); recErr != nil {
			logger.Error("record campaign failure", zap.Error(recErr))
		}
	} else {
		logger.Info("city job completed")
	}
	if persistErr := c.store.UpdateCampaignProgress(ctx, snapshot); persistErr != nil {
		logger.Error("persist campaign progress", zap.Error(persistErr))
	}
	c.emit(progress.Event{
		ID:    campaignID,
		TS:    c.clock.Now(),
		Stage: progress.StageCampaignJob,
		Site:  job.state,
		Dur:   c.clock.Now().Sub(start),
	})
}

// finalize transitions the campaign to its terminal state, persists final
// counts, and on normal completion hands collected entities to discovery.
func (c *Controller) finalize(ctx context.Context) {
	c.mu.Lock()
	status := engine.CampaignStatusCompleted
	if c.stopping || ctx.Err() != nil {
		status = engine.CampaignStatusStopped
	}
	c.campaign.Status = status
	finished := c.clock.Now()
	c.campaign.Finished = &finished
	snapshot := *c.campaign
	taskIDs := append([]string(nil), c.taskIDs...)
	done := c.done
	c.mu.Unlock()

	if err := c.store.UpdateCampaignProgress(ctx, snapshot); err != nil {
		c.logger.Error("persist final campaign state", zap.Error(err))
	}
	c.emit(progress.Event{ID: snapshot.ID, TS: finished, Stage: progress.StageCampaignDone})
	c.publishTerminal(ctx, snapshot)
	c.logger.Info("campaign finished",
		zap.String("batch_id", snapshot.ID),
		zap.String("status", string(status)),
		zap.Int("completed", snapshot.CompletedTasks),
		zap.Int("failed", snapshot.FailedTasks))

	if status == engine.CampaignStatusCompleted && c.discovery != nil && len(taskIDs) > 0 {
		entities, err := c.store.ListEntitiesForTasks(ctx, taskIDs)
		if err != nil {
			c.logger.Error("load campaign entities", zap.Error(err))
		} else if queued, err := c.discovery.Run(ctx, entities); err != nil {
			c.logger.Warn("start discovery after campaign", zap.Error(err))
		} else {
			c.logger.Info("discovery queued after campaign", zap.Int("queued", queued))
		}
	}

	close(done)
}

func (c *Controller) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Controller) currentCampaign() engine.Campaign {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.campaign
}

func (c *Controller) recordTaskID(id string) {
	c.mu.Lock()
	c.taskIDs = append(c.taskIDs, id)
	c.mu.Unlock()
}

func (c *Controller) updateState(state string, fn func(*engine.StateProgress)) {
	c.mu.Lock()
	prog := c.campaign.Progress[state]
	fn(&prog)
	c.campaign.Progress[state] = prog
	c.mu.Unlock()
}

func (c *Controller) emit(evt progress.Event) {
	if c.emitter != nil {
		c.emitter.Emit(evt)
	}
}

func (c *Controller) publishTerminal(ctx context.Context, campaign engine.Campaign) {
	if c.publisher == nil || c.topic == "" {
		return
	}
	payload := map[string]any{
		"batch_id":        campaign.ID,
		"status":          string(campaign.Status),
		"total_tasks":     campaign.TotalTasks,
		"completed_tasks": campaign.CompletedTasks,
		"failed_tasks":    campaign.FailedTasks,
	}
	if _, err := c.publisher.Publish(ctx, c.topic, payload); err != nil {
		c.logger.Warn("publish campaign event", zap.Error(err))
	}
}
