package engine

import (
	"context"
	"time"
)

// TaskStore persists task, campaign, and entity metadata.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errText string, entitiesFound int) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListPendingTasks(ctx context.Context, limit int) ([]Task, error)
	CreateCampaign(ctx context.Context, campaign Campaign) error
	UpdateCampaignProgress(ctx context.Context, campaign Campaign) error
	RecordCampaignFailure(ctx context.Context, campaignID string, failure FailureRecord) error
	SaveEntities(ctx context.Context, entities []Entity) error
	ListEntitiesMissingEmail(ctx context.Context, limit int) ([]Entity, error)
	ListEntitiesForTasks(ctx context.Context, taskIDs []string) ([]Entity, error)
	SaveEntityEmail(ctx context.Context, entityID string, email string, altEmails []string) error
}

// PageFetcher navigates a URL and returns rendered content plus outbound
// links. Implementations own cookie-banner handling.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Rotator is the external VPN/proxy utility used when a target starts
// blocking us.
type Rotator interface {
	RotateIP(ctx context.Context) (bool, error)
	CurrentIPInfo(ctx context.Context) (IPInfo, error)
}

// Scraper executes one search task and returns the entities it collected.
// Production wires a real crawl; tests inject synthetic data.
type Scraper interface {
	Scrape(ctx context.Context, task Task) ([]Entity, error)
}

// Publisher pushes terminal task/campaign events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SnapshotStore writes raw page artifacts and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for snapshot deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and campaign IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
