// Package memory provides an in-memory task store for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadharvest/harvester/internal/engine"
)

// Store holds tasks, campaigns, and entities behind a single RWMutex.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]engine.Task
	campaigns map[string]engine.Campaign
	entities  map[string]engine.Entity
	taskSeq   []string
	entitySeq []string
}

// New constructs a Store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]engine.Task),
		campaigns: make(map[string]engine.Campaign),
		entities:  make(map[string]engine.Entity),
	}
}

// Close is a no-op; it exists so callers can treat both store backends
// uniformly.
func (s *Store) Close() {}

// CreateTask stores a new task.
func (s *Store) CreateTask(_ context.Context, task engine.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	s.taskSeq = append(s.taskSeq, task.ID)
	return nil
}

// UpdateTaskStatus transitions a task and stamps start/completion times.
func (s *Store) UpdateTaskStatus(
	_ context.Context,
	taskID string,
	status engine.TaskStatus,
	errText string,
	entitiesFound int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	task.Status = status
	task.ErrorText = errText
	task.EntitiesFound = entitiesFound
	now := time.Now().UTC()
	if status == engine.TaskStatusRunning && task.Started == nil {
		task.Started = pointerTime(now)
	}
	if status.Terminal() {
		task.Completed = pointerTime(now)
	}
	s.tasks[taskID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(_ context.Context, taskID string) (engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return engine.Task{}, fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	return task, nil
}

// ListPendingTasks returns pending tasks in insertion order, oldest first.
func (s *Store) ListPendingTasks(_ context.Context, limit int) ([]engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Task
	for _, id := range s.taskSeq {
		task := s.tasks[id]
		if task.Status != engine.TaskStatusPending {
			continue
		}
		out = append(out, task)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateCampaign stores a new campaign.
func (s *Store) CreateCampaign(_ context.Context, campaign engine.Campaign) error {
	if campaign.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[campaign.ID]; exists {
		return fmt.Errorf("campaign %s already exists", campaign.ID)
	}
	s.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

// UpdateCampaignProgress overwrites the stored campaign snapshot.
func (s *Store) UpdateCampaignProgress(_ context.Context, campaign engine.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaign.ID]; !ok {
		return fmt.Errorf("campaign %s: %w", campaign.ID, engine.ErrNotFound)
	}
	s.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

// RecordCampaignFailure appends a failure row and bumps the failed counter.
func (s *Store) RecordCampaignFailure(_ context.Context, campaignID string, failure engine.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[campaignID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", campaignID, engine.ErrNotFound)
	}
	campaign.Failures = append(campaign.Failures, failure)
	s.campaigns[campaignID] = campaign
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(_ context.Context, campaignID string) (engine.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	campaign, ok := s.campaigns[campaignID]
	if !ok {
		return engine.Campaign{}, fmt.Errorf("campaign %s: %w", campaignID, engine.ErrNotFound)
	}
	return cloneCampaign(campaign), nil
}

// SaveEntities upserts collected entities keyed by ID.
func (s *Store) SaveEntities(_ context.Context, entities []engine.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("entity id is required")
		}
		if _, exists := s.entities[e.ID]; !exists {
			s.entitySeq = append(s.entitySeq, e.ID)
		}
		s.entities[e.ID] = e
	}
	return nil
}

// ListEntitiesMissingEmail returns entities with a website but no email,
// oldest first.
func (s *Store) ListEntitiesMissingEmail(_ context.Context, limit int) ([]engine.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Entity
	for _, id := range s.entitySeq {
		e := s.entities[id]
		if e.Email != "" || e.Website == "" {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListEntitiesForTasks returns all entities belonging to the given tasks,
// sorted by entity ID for stable output.
func (s *Store) ListEntitiesForTasks(_ context.Context, taskIDs []string) ([]engine.Entity, error) {
	wanted := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Entity
	for _, e := range s.entities {
		if _, ok := wanted[e.TaskID]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveEntityEmail records the ranked primary email plus alternates.
func (s *Store) SaveEntityEmail(_ context.Context, entityID string, email string, altEmails []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %s: %w", entityID, engine.ErrNotFound)
	}
	e.Email = email
	e.AltEmails = append([]string(nil), altEmails...)
	s.entities[entityID] = e
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneCampaign(c engine.Campaign) engine.Campaign {
	out := c
	out.States = append([]string(nil), c.States...)
	out.Failures = append([]engine.FailureRecord(nil), c.Failures...)
	if c.Progress != nil {
		out.Progress = make(map[string]engine.StateProgress, len(c.Progress))
		for k, v := range c.Progress {
			out.Progress[k] = v
		}
	}
	return out
}
