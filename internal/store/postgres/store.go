// Package postgres provides Postgres-backed persistence for tasks,
// campaigns, and entities.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadharvest/harvester/internal/engine"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements engine.TaskStore on a pgx connection pool.
type Store struct {
	pool dbPool
}

// New connects a pool with the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, task engine.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("marshal task params: %w", err)
	}
	const query = `
INSERT INTO tasks (id, search_term, status, entities_found, error_text, params, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.pool.Exec(ctx, query,
		task.ID, task.SearchTerm, string(task.Status), task.EntitiesFound,
		task.ErrorText, params, task.Created)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskStatus transitions a task; the database stamps the start and
// completion times so they survive process restarts.
func (s *Store) UpdateTaskStatus(
	ctx context.Context,
	taskID string,
	status engine.TaskStatus,
	errText string,
	entitiesFound int,
) error {
	const query = `
UPDATE tasks SET
	status = $2,
	error_text = $3,
	entities_found = $4,
	started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
	completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), errText, entitiesFound)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (engine.Task, error) {
	const query = `
SELECT id, search_term, status, entities_found, error_text, params, created_at, started_at, completed_at
FROM tasks WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, taskID)
	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return engine.Task{}, fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	if err != nil {
		return engine.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListPendingTasks returns pending tasks oldest first.
func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]engine.Task, error) {
	query := `
SELECT id, search_term, status, entities_found, error_text, params, created_at, started_at, completed_at
FROM tasks WHERE status = 'pending' ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending tasks: %w", err)
	}
	defer rows.Close()

	var out []engine.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CreateCampaign inserts a campaign row.
func (s *Store) CreateCampaign(ctx context.Context, campaign engine.Campaign) error {
	if campaign.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	states, progress, failures, err := marshalCampaignBlobs(campaign)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO campaigns (id, search_term, states, progress, status, total_tasks, completed_tasks, failed_tasks, failures, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, query,
		campaign.ID, campaign.SearchTerm, states, progress, string(campaign.Status),
		campaign.TotalTasks, campaign.CompletedTasks, campaign.FailedTasks,
		failures, campaign.Started)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// UpdateCampaignProgress overwrites the mutable campaign columns.
func (s *Store) UpdateCampaignProgress(ctx context.Context, campaign engine.Campaign) error {
	_, progress, failures, err := marshalCampaignBlobs(campaign)
	if err != nil {
		return err
	}
	const query = `
UPDATE campaigns SET
	progress = $2,
	status = $3,
	completed_tasks = $4,
	failed_tasks = $5,
	failures = $6,
	finished_at = $7
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		campaign.ID, progress, string(campaign.Status),
		campaign.CompletedTasks, campaign.FailedTasks, failures, campaign.Finished)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", campaign.ID, engine.ErrNotFound)
	}
	return nil
}

// RecordCampaignFailure appends one failure record to the campaign row.
func (s *Store) RecordCampaignFailure(ctx context.Context, campaignID string, failure engine.FailureRecord) error {
	blob, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	const query = `
UPDATE campaigns SET failures = COALESCE(failures, '[]'::jsonb) || $2::jsonb WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, campaignID, blob)
	if err != nil {
		return fmt.Errorf("record campaign failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", campaignID, engine.ErrNotFound)
	}
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (engine.Campaign, error) {
	const query = `
SELECT id, search_term, states, progress, status, total_tasks, completed_tasks, failed_tasks, failures, started_at, finished_at
FROM campaigns WHERE id = $1`
	var (
		campaign engine.Campaign
		status   string
		states   []byte
		progress []byte
		failures []byte
	)
	err := s.pool.QueryRow(ctx, query, campaignID).Scan(
		&campaign.ID, &campaign.SearchTerm, &states, &progress, &status,
		&campaign.TotalTasks, &campaign.CompletedTasks, &campaign.FailedTasks,
		&failures, &campaign.Started, &campaign.Finished)
	if err == pgx.ErrNoRows {
		return engine.Campaign{}, fmt.Errorf("campaign %s: %w", campaignID, engine.ErrNotFound)
	}
	if err != nil {
		return engine.Campaign{}, fmt.Errorf("select campaign: %w", err)
	}
	campaign.Status = engine.CampaignStatus(status)
	if err := unmarshalInto(states, &campaign.States); err != nil {
		return engine.Campaign{}, fmt.Errorf("unmarshal campaign states: %w", err)
	}
	if err := unmarshalInto(progress, &campaign.Progress); err != nil {
		return engine.Campaign{}, fmt.Errorf("unmarshal campaign progress: %w", err)
	}
	if err := unmarshalInto(failures, &campaign.Failures); err != nil {
		return engine.Campaign{}, fmt.Errorf("unmarshal campaign failures: %w", err)
	}
	return campaign, nil
}

// SaveEntities upserts collected entities.
func (s *Store) SaveEntities(ctx context.Context, entities []engine.Entity) error {
	const query = `
INSERT INTO entities (id, task_id, name, website, domain, email, alt_emails, scraped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	task_id = EXCLUDED.task_id,
	name = EXCLUDED.name,
	website = EXCLUDED.website,
	domain = EXCLUDED.domain,
	scraped_at = EXCLUDED.scraped_at`
	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("entity id is required")
		}
		altEmails, err := json.Marshal(emptySlice(e.AltEmails))
		if err != nil {
			return fmt.Errorf("marshal alt emails: %w", err)
		}
		_, err = s.pool.Exec(ctx, query,
			e.ID, e.TaskID, e.Name, e.Website, e.Domain, e.Email, altEmails, e.ScrapedAt)
		if err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
	}
	return nil
}

// ListEntitiesMissingEmail returns entities with a website but no email.
func (s *Store) ListEntitiesMissingEmail(ctx context.Context, limit int) ([]engine.Entity, error) {
	query := `
SELECT id, task_id, name, website, domain, email, alt_emails, scraped_at
FROM entities WHERE email = '' AND website <> '' ORDER BY scraped_at`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	return s.queryEntities(ctx, query, args...)
}

// ListEntitiesForTasks returns all entities belonging to the given tasks.
func (s *Store) ListEntitiesForTasks(ctx context.Context, taskIDs []string) ([]engine.Entity, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT id, task_id, name, website, domain, email, alt_emails, scraped_at
FROM entities WHERE task_id = ANY($1) ORDER BY id`
	return s.queryEntities(ctx, query, taskIDs)
}

// SaveEntityEmail records the ranked primary email plus alternates.
func (s *Store) SaveEntityEmail(ctx context.Context, entityID string, email string, altEmails []string) error {
	blob, err := json.Marshal(emptySlice(altEmails))
	if err != nil {
		return fmt.Errorf("marshal alt emails: %w", err)
	}
	const query = `UPDATE entities SET email = $2, alt_emails = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, entityID, email, blob)
	if err != nil {
		return fmt.Errorf("save entity email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", entityID, engine.ErrNotFound)
	}
	return nil
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]engine.Entity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select entities: %w", err)
	}
	defer rows.Close()

	var out []engine.Entity
	for rows.Next() {
		var (
			e         engine.Entity
			altEmails []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Name, &e.Website, &e.Domain,
			&e.Email, &altEmails, &e.ScrapedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := unmarshalInto(altEmails, &e.AltEmails); err != nil {
			return nil, fmt.Errorf("unmarshal alt emails: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (engine.Task, error) {
	var (
		task   engine.Task
		status string
		params []byte
	)
	err := row.Scan(&task.ID, &task.SearchTerm, &status, &task.EntitiesFound,
		&task.ErrorText, &params, &task.Created, &task.Started, &task.Completed)
	if err != nil {
		return engine.Task{}, err
	}
	task.Status = engine.TaskStatus(status)
	if err := unmarshalInto(params, &task.Params); err != nil {
		return engine.Task{}, fmt.Errorf("unmarshal task params: %w", err)
	}
	return task, nil
}

func marshalCampaignBlobs(c engine.Campaign) (states, progress, failures []byte, err error) {
	if states, err = json.Marshal(emptySlice(c.States)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal campaign states: %w", err)
	}
	prog := c.Progress
	if prog == nil {
		prog = map[string]engine.StateProgress{}
	}
	if progress, err = json.Marshal(prog); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal campaign progress: %w", err)
	}
	fails := c.Failures
	if fails == nil {
		fails = []engine.FailureRecord{}
	}
	if failures, err = json.Marshal(fails); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal campaign failures: %w", err)
	}
	return states, progress, failures, nil
}

func unmarshalInto(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func emptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
