// Package progress defines the event structures emitted by the scheduler,
// campaign controller, and discovery pool.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskStart    Stage = "TASK_START"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskError    Stage = "TASK_ERROR"
	StageEntityDone   Stage = "ENTITY_DONE"
	StageCampaignJob  Stage = "CAMPAIGN_JOB"
	StageCampaignDone Stage = "CAMPAIGN_DONE"
	StageRotation     Stage = "IP_ROTATION"
)

// Event captures a single progress milestone.
type Event struct {
	// ID identifies the task, entity, or campaign the event belongs to.
	ID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Site optionally scopes the event to a target host.
	Site string
	// Found carries the entity count (task events) or 1/0 for an email
	// discovery outcome (entity events).
	Found int
	// Dur captures execution latency where meaningful.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskDone, StageTaskError,
		StageEntityDone, StageCampaignJob, StageCampaignDone, StageRotation:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
