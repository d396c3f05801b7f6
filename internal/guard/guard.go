// Package guard tracks consecutive failures and block signals, pacing
// requests per domain and requesting IP rotation from the external VPN
// utility once a target starts refusing us.
package guard

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/metrics"
)

// Config holds guard configuration.
type Config struct {
	// RotationThreshold is the consecutive-failure count that triggers an
	// IP rotation. Defaults to 5.
	RotationThreshold int
	// DomainRPS and DomainBurst shape the per-domain token bucket. A
	// non-positive RPS disables pacing.
	DomainRPS   float64
	DomainBurst int
}

// Guard is safe for concurrent use by every discovery worker.
type Guard struct {
	cfg     Config
	rotator engine.Rotator
	logger  *zap.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	blockSignals        int
	rotations           int

	flight    singleflight.Group
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New constructs a Guard around the external rotator.
func New(cfg Config, rotator engine.Rotator, logger *zap.Logger) *Guard {
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = 5
	}
	if cfg.DomainBurst <= 0 {
		cfg.DomainBurst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:      cfg,
		rotator:  rotator,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterFailure records one failed unit of work. Block-indicative errors
// additionally count as block signals and bump the per-site metric.
func (g *Guard) RegisterFailure(site string, err error) {
	g.mu.Lock()
	g.consecutiveFailures++
	failures := g.consecutiveFailures
	g.mu.Unlock()

	if engine.IsBlockSignal(err) {
		g.RegisterBlockSignal(site)
	}
	g.logger.Debug("failure registered",
		zap.String("site", site),
		zap.Int("consecutive", failures),
		zap.Error(err),
	)
}

// RegisterBlockSignal records a block-indicative response independently of
// RegisterFailure, for callers that classify upstream.
func (g *Guard) RegisterBlockSignal(site string) {
	g.mu.Lock()
	g.blockSignals++
	g.mu.Unlock()
	metrics.ObserveBlockSignal(site)
}

// RegisterSuccess resets the consecutive-failure counter.
func (g *Guard) RegisterSuccess() {
	g.mu.Lock()
	g.consecutiveFailures = 0
	g.mu.Unlock()
}

// ShouldRotate reports whether the failure streak reached the threshold.
func (g *Guard) ShouldRotate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFailures >= g.cfg.RotationThreshold
}

// Rotate asks the VPN utility for a fresh IP. Concurrent callers share a
// single in-flight rotation; the counter resets only when rotation
// succeeds.
func (g *Guard) Rotate(ctx context.Context) error {
	_, err, _ := g.flight.Do("rotate", func() (any, error) {
		ok, err := g.rotator.RotateIP(ctx)
		if err != nil {
			return nil, fmt.Errorf("rotate ip: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("rotate ip: utility refused")
		}
		g.mu.Lock()
		g.consecutiveFailures = 0
		g.rotations++
		g.mu.Unlock()
		metrics.ObserveRotation()

		if info, infoErr := g.rotator.CurrentIPInfo(ctx); infoErr == nil {
			g.logger.Info("ip rotated",
				zap.String("ip", info.IP),
				zap.String("region", info.Region),
			)
		} else {
			g.logger.Info("ip rotated")
		}
		return nil, nil
	})
	return err
}

// RotateIfNeeded rotates when the threshold is reached. A failed rotation
// is returned for the caller to log; the next failure will trigger another
// try.
func (g *Guard) RotateIfNeeded(ctx context.Context) error {
	if !g.ShouldRotate() {
		return nil
	}
	return g.Rotate(ctx)
}

// Wait blocks until the per-domain token bucket admits a request to url,
// or the context ends.
func (g *Guard) Wait(ctx context.Context, rawURL string) error {
	if g.cfg.DomainRPS <= 0 {
		return nil
	}
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	g.limiterMu.Lock()
	limiter, ok := g.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.DomainRPS), g.cfg.DomainBurst)
		g.limiters[domain] = limiter
	}
	g.limiterMu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Snapshot returns the current counters for status reporting.
func (g *Guard) Snapshot() (consecutiveFailures, blockSignals, rotations int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFailures, g.blockSignals, g.rotations
}
