// Package report provides read-only status snapshots over the scheduler,
// the discovery pool, the campaign controller, and the rate-limit guard.
package report

import (
	"time"

	"github.com/leadharvest/harvester/internal/campaign"
	"github.com/leadharvest/harvester/internal/discovery"
	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/scheduler"
)

// GuardCounters exposes the guard's counters without holding its lock.
type GuardCounters interface {
	Snapshot() (consecutiveFailures, blockSignals, rotations int)
}

// GuardStatus is the guard portion of an overview.
type GuardStatus struct {
	ConsecutiveFailures int `json:"consecutive_failures"`
	BlockSignals        int `json:"block_signals"`
	Rotations           int `json:"rotations"`
}

// Overview aggregates every component snapshot plus process uptime.
type Overview struct {
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Discovery discovery.Snapshot `json:"discovery"`
	Campaign  campaign.Snapshot  `json:"campaign"`
	Guard     GuardStatus        `json:"guard"`
	Uptime    time.Duration      `json:"uptime"`
}

// Reporter never mutates component state; every method is a pure read and
// safe from any goroutine.
type Reporter struct {
	scheduler *scheduler.Scheduler
	pool      *discovery.Pool
	campaigns *campaign.Controller
	guard     GuardCounters
	clock     engine.Clock
	started   time.Time
}

// New builds a Reporter over the given components.
func New(
	sched *scheduler.Scheduler,
	pool *discovery.Pool,
	campaigns *campaign.Controller,
	guard GuardCounters,
	clock engine.Clock,
) *Reporter {
	return &Reporter{
		scheduler: sched,
		pool:      pool,
		campaigns: campaigns,
		guard:     guard,
		clock:     clock,
		started:   clock.Now(),
	}
}

// TaskFinderStatus reports the discovery pool.
func (r *Reporter) TaskFinderStatus() discovery.Snapshot {
	return r.pool.Status()
}

// BatchStatus reports the active (or last) campaign.
func (r *Reporter) BatchStatus() campaign.Snapshot {
	return r.campaigns.Status()
}

// SchedulerStatus reports the task scheduler.
func (r *Reporter) SchedulerStatus() scheduler.Snapshot {
	return r.scheduler.Status()
}

// Overview gathers everything in one snapshot.
func (r *Reporter) Overview() Overview {
	failures, blocks, rotations := r.guard.Snapshot()
	return Overview{
		Scheduler: r.scheduler.Status(),
		Discovery: r.pool.Status(),
		Campaign:  r.campaigns.Status(),
		Guard: GuardStatus{
			ConsecutiveFailures: failures,
			BlockSignals:        blocks,
			Rotations:           rotations,
		},
		Uptime: r.clock.Now().Sub(r.started),
	}
}
