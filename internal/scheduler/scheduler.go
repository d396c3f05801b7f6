// Package scheduler runs submitted search tasks with a bounded concurrency
// ceiling, promoting pending tasks oldest first.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/metrics"
	"github.com/leadharvest/harvester/internal/progress"
)

// Config sizes the scheduler and its wait behavior.
type Config struct {
	MaxConcurrentTasks int
	WaitPollInterval   time.Duration
	WaitMaxChecks      int
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	RunningTasks int `json:"running_tasks"`
	MaxTasks     int `json:"max_tasks"`
}

// Deps carries the scheduler's collaborators. Emitter and Publisher are
// optional.
type Deps struct {
	Store     engine.TaskStore
	Scraper   engine.Scraper
	IDs       engine.IDGenerator
	Clock     engine.Clock
	Emitter   progress.Emitter
	Publisher engine.Publisher
	Topic     string
	Logger    *zap.Logger
}

// Scheduler owns the running-count ceiling. Task promotion is driven by
// completion signals plus a slow safety ticker, not fixed-interval polling.
type Scheduler struct {
	cfg       Config
	store     engine.TaskStore
	scraper   engine.Scraper
	ids       engine.IDGenerator
	clock     engine.Clock
	emitter   progress.Emitter
	publisher engine.Publisher
	topic     string
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
	done    map[string]chan struct{}
	wake    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New builds a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Scraper == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, fmt.Errorf("store, scraper, id generator, and clock are required")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 2
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 500 * time.Millisecond
	}
	if cfg.WaitMaxChecks <= 0 {
		cfg.WaitMaxChecks = 240
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		scraper:   deps.Scraper,
		ids:       deps.IDs,
		clock:     deps.Clock,
		emitter:   deps.Emitter,
		publisher: deps.Publisher,
		topic:     deps.Topic,
		logger:    logger.Named("scheduler"),
		running:   make(map[string]struct{}),
		done:      make(map[string]chan struct{}),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Start launches the promotion loop. It returns once the loop is running;
// the loop exits when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.promoteLoop(ctx)
}

// Wait blocks until the promotion loop and all running tasks finish. Call
// after canceling the Start context.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Enqueue persists a new pending task and signals the promotion loop. The
// task is not guaranteed to start immediately.
func (s *Scheduler) Enqueue(ctx context.Context, searchTerm string, params engine.TaskParams) (string, error) {
	if searchTerm == "" {
		return "", fmt.Errorf("search term is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	task := engine.Task{
		ID:         id,
		SearchTerm: searchTerm,
		Status:     engine.TaskStatusPending,
		Params:     params,
		Created:    s.clock.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("cannot schedule work: %w", err)
	}

	s.mu.Lock()
	s.done[id] = make(chan struct{})
	s.mu.Unlock()
	s.signal()
	return id, nil
}

// WaitForTask blocks until the task reaches a terminal state. Completed
// tasks are returned; failed tasks return an error carrying the task's
// error text. When the budget (timeout, or WaitMaxChecks polls for tasks
// enqueued elsewhere) runs out, engine.ErrTimeout is returned.
func (s *Scheduler) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (engine.Task, error) {
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.WaitMaxChecks) * s.cfg.WaitPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	s.mu.Lock()
	doneCh := s.done[taskID]
	s.mu.Unlock()

	if doneCh != nil {
		select {
		case <-doneCh:
			return s.terminalTask(ctx, taskID)
		case <-deadline.C:
			return engine.Task{}, fmt.Errorf("task %s: %w", taskID, engine.ErrTimeout)
		case <-ctx.Done():
			return engine.Task{}, fmt.Errorf("wait for task: %w", ctx.Err())
		}
	}

	// Unknown to this process: fall back to bounded status polling.
	ticker := time.NewTicker(s.cfg.WaitPollInterval)
	defer ticker.Stop()
	for checks := 0; checks < s.cfg.WaitMaxChecks; checks++ {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return engine.Task{}, fmt.Errorf("poll task: %w", err)
		}
		if task.Status.Terminal() {
			return s.resolveTerminal(task)
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return engine.Task{}, fmt.Errorf("task %s: %w", taskID, engine.ErrTimeout)
		case <-ctx.Done():
			return engine.Task{}, fmt.Errorf("wait for task: %w", ctx.Err())
		}
	}
	return engine.Task{}, fmt.Errorf("task %s: %w", taskID, engine.ErrTimeout)
}

// Status returns a read-only snapshot.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RunningTasks: len(s.running),
		MaxTasks:     s.cfg.MaxConcurrentTasks,
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// promoteLoop fills free slots with the oldest pending tasks. It wakes on
// enqueue and task completion; the ticker only covers tasks created by
// other processes against the same store.
func (s *Scheduler) promoteLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		s.promote(ctx)
		select {
		case <-s.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) promote(ctx context.Context) {
	s.mu.Lock()
	free := s.cfg.MaxConcurrentTasks - len(s.running)
	s.mu.Unlock()
	if free <= 0 {
		return
	}

	pending, err := s.store.ListPendingTasks(ctx, free)
	if err != nil {
		s.logger.Error("list pending tasks", zap.Error(err))
		return
	}

	for _, task := range pending {
		s.mu.Lock()
		if len(s.running) >= s.cfg.MaxConcurrentTasks {
			s.mu.Unlock()
			return
		}
		if _, dup := s.running[task.ID]; dup {
			s.mu.Unlock()
			continue
		}
		s.running[task.ID] = struct{}{}
		metrics.SetRunningTasks(len(s.running))
		s.mu.Unlock()

		if err := s.store.UpdateTaskStatus(ctx, task.ID, engine.TaskStatusRunning, "", 0); err != nil {
			s.logger.Error("mark task running", zap.String("task_id", task.ID), zap.Error(err))
			if failErr := s.store.UpdateTaskStatus(ctx, task.ID, engine.TaskStatusFailed,
				"cannot start: "+err.Error(), 0); failErr != nil {
				s.logger.Error("mark task failed", zap.String("task_id", task.ID), zap.Error(failErr))
			}
			s.release(task.ID)
			continue
		}
		s.emit(progress.Event{ID: task.ID, TS: s.clock.Now(), Stage: progress.StageTaskStart})
		s.wg.Add(1)
		go s.run(ctx, task)
	}
}

// run executes one task through the injected scraper and persists the
// outcome. Failures are terminal at this layer; retries live in discovery.
func (s *Scheduler) run(ctx context.Context, task engine.Task) {
	defer s.wg.Done()
	start := s.clock.Now()
	logger := s.logger.With(zap.String("task_id", task.ID), zap.String("search_term", task.SearchTerm))

	entities, scrapeErr := s.scraper.Scrape(ctx, task)
	status := engine.TaskStatusCompleted
	errText := ""
	if scrapeErr != nil {
		status = engine.TaskStatusFailed
		errText = scrapeErr.Error()
	} else if len(entities) > 0 {
		if err := s.store.SaveEntities(ctx, entities); err != nil {
			logger.Error("persist entities", zap.Error(err))
		}
	}

	if err := s.store.UpdateTaskStatus(ctx, task.ID, status, errText, len(entities)); err != nil {
		logger.Error("persist task outcome", zap.Error(err))
	}
	metrics.ObserveTask(string(status))

	stage := progress.StageTaskDone
	if status == engine.TaskStatusFailed {
		stage = progress.StageTaskError
		logger.Warn("task failed", zap.String("reason", errText))
	} else {
		logger.Info("task completed", zap.Int("entities", len(entities)))
	}
	s.emit(progress.Event{
		ID:    task.ID,
		TS:    s.clock.Now(),
		Stage: stage,
		Found: len(entities),
		Dur:   s.clock.Now().Sub(start),
	})
	s.publishTerminal(ctx, task.ID, status, len(entities))
	s.release(task.ID)
}

// release frees the task's slot, closes its done channel, and wakes the
// promotion loop.
func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	metrics.SetRunningTasks(len(s.running))
	if ch, ok := s.done[taskID]; ok {
		close(ch)
		delete(s.done, taskID)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) terminalTask(ctx context.Context, taskID string) (engine.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return engine.Task{}, fmt.Errorf("load finished task: %w", err)
	}
	return s.resolveTerminal(task)
}

func (s *Scheduler) resolveTerminal(task engine.Task) (engine.Task, error) {
	if task.Status == engine.TaskStatusFailed {
		return task, fmt.Errorf("task %s failed: %s", task.ID, task.ErrorText)
	}
	return task, nil
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter != nil {
		s.emitter.Emit(evt)
	}
}

func (s *Scheduler) publishTerminal(ctx context.Context, taskID string, status engine.TaskStatus, entities int) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	payload := map[string]any{
		"task_id":        taskID,
		"status":         string(status),
		"entities_found": entities,
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("publish task event", zap.String("task_id", taskID), zap.Error(err))
	}
}
