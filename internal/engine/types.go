package engine

import "time"

// TaskStatus represents the lifecycle state of a search task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskParams captures per-task configuration knobs requested by the client.
type TaskParams struct {
	State      string            `json:"state,omitempty"`
	City       string            `json:"city,omitempty"`
	MaxResults int               `json:"max_results,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Task represents the metadata persisted for each submitted scrape request.
type Task struct {
	ID            string     `json:"id"`
	SearchTerm    string     `json:"search_term"`
	Status        TaskStatus `json:"status"`
	EntitiesFound int        `json:"entities_found"`
	ErrorText     string     `json:"error_text,omitempty"`
	Params        TaskParams `json:"params"`
	Created       time.Time  `json:"created_at"`
	Started       *time.Time `json:"started_at,omitempty"`
	Completed     *time.Time `json:"completed_at,omitempty"`
}

// CampaignStatus represents the lifecycle state of a batch campaign.
type CampaignStatus string

// Campaign status values.
const (
	CampaignStatusIdle      CampaignStatus = "idle"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusStopped   CampaignStatus = "stopped"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether the campaign reached an end state.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignStatusStopped, CampaignStatusCompleted, CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// StateProgress tracks per-state counters within a campaign.
type StateProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

// FailureRecord captures a single failed city job inside a campaign.
type FailureRecord struct {
	State  string `json:"state"`
	City   string `json:"city"`
	Reason string `json:"reason"`
}

// Campaign represents a multi-state batch run.
type Campaign struct {
	ID             string                   `json:"id"`
	SearchTerm     string                   `json:"search_term"`
	States         []string                 `json:"states"`
	Progress       map[string]StateProgress `json:"progress"`
	Status         CampaignStatus           `json:"status"`
	TotalTasks     int                      `json:"total_tasks"`
	CompletedTasks int                      `json:"completed_tasks"`
	FailedTasks    int                      `json:"failed_tasks"`
	Failures       []FailureRecord          `json:"failures,omitempty"`
	Started        time.Time                `json:"started_at"`
	Finished       *time.Time               `json:"finished_at,omitempty"`
}

// Entity is a collected business record; discovery only touches the email
// fields.
type Entity struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Website   string    `json:"website,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Email     string    `json:"email,omitempty"`
	AltEmails []string  `json:"alt_emails,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// EmailCandidate is an unvalidated address plus the page it came from.
// Candidates live only inside a single worker invocation.
type EmailCandidate struct {
	Address   string
	SourceURL string
}

// Page is the rendered content returned by a PageFetcher.
type Page struct {
	URL        string
	StatusCode int
	Body       string
	Links      []string
	Duration   time.Duration
	Rendered   bool
}

// IPInfo describes the current egress identity reported by the VPN utility.
type IPInfo struct {
	IP     string `json:"ip"`
	Region string `json:"region"`
}
