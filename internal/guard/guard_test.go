package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeRotator struct {
	mu      sync.Mutex
	calls   int32
	delay   time.Duration
	fail    bool
	refused bool
}

func (r *fakeRotator) RotateIP(ctx context.Context) (bool, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if r.fail {
		return false, errors.New("vpn unreachable")
	}
	if r.refused {
		return false, nil
	}
	return true, nil
}

func (r *fakeRotator) CurrentIPInfo(context.Context) (engine.IPInfo, error) {
	return engine.IPInfo{IP: "10.0.0.2", Region: "us-east"}, nil
}

func TestGuard_FiveBlockFailuresTriggerOneRotation(t *testing.T) {
	t.Parallel()

	rotator := &fakeRotator{}
	g := New(Config{RotationThreshold: 5}, rotator, zap.NewNop())

	blockErr := errors.New("HTTP 429 too many requests")
	for i := 0; i < 5; i++ {
		require.Equal(t, int32(0), atomic.LoadInt32(&rotator.calls))
		g.RegisterFailure("example.com", blockErr)
		require.NoError(t, g.RotateIfNeeded(context.Background()))
	}

	require.Equal(t, int32(1), atomic.LoadInt32(&rotator.calls))
	failures, _, rotations := g.Snapshot()
	require.Zero(t, failures)
	require.Equal(t, 1, rotations)
}

func TestGuard_SuccessResetsCounter(t *testing.T) {
	t.Parallel()

	rotator := &fakeRotator{}
	g := New(Config{RotationThreshold: 3}, rotator, zap.NewNop())

	g.RegisterFailure("a.com", engine.ErrTransient)
	g.RegisterFailure("a.com", engine.ErrTransient)
	g.RegisterSuccess()
	g.RegisterFailure("a.com", engine.ErrTransient)
	require.False(t, g.ShouldRotate())
	require.NoError(t, g.RotateIfNeeded(context.Background()))
	require.Zero(t, atomic.LoadInt32(&rotator.calls))
}

func TestGuard_ConcurrentRotationIsSingleFlight(t *testing.T) {
	t.Parallel()

	rotator := &fakeRotator{delay: 50 * time.Millisecond}
	g := New(Config{RotationThreshold: 1}, rotator, zap.NewNop())
	g.RegisterFailure("b.com", engine.ErrBlockDetected)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RotateIfNeeded(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&rotator.calls))
}

func TestGuard_FailedRotationKeepsCounter(t *testing.T) {
	t.Parallel()

	rotator := &fakeRotator{fail: true}
	g := New(Config{RotationThreshold: 2}, rotator, zap.NewNop())
	g.RegisterFailure("c.com", engine.ErrTransient)
	g.RegisterFailure("c.com", engine.ErrTransient)

	require.Error(t, g.Rotate(context.Background()))
	require.True(t, g.ShouldRotate())

	rotator.fail = false
	require.NoError(t, g.Rotate(context.Background()))
	require.False(t, g.ShouldRotate())
}

func TestGuard_RefusedRotationIsAnError(t *testing.T) {
	t.Parallel()

	rotator := &fakeRotator{refused: true}
	g := New(Config{RotationThreshold: 1}, rotator, zap.NewNop())
	require.Error(t, g.Rotate(context.Background()))
}

func TestGuard_WaitPacesPerDomain(t *testing.T) {
	t.Parallel()

	g := New(Config{RotationThreshold: 5, DomainRPS: 100, DomainBurst: 1}, &fakeRotator{}, zap.NewNop())

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Wait(context.Background(), "https://paced.example.com/page"))
	}
	// Burst of 1 at 100 rps means the 3rd call waits ~20ms total.
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	// Disabled pacing returns immediately.
	off := New(Config{RotationThreshold: 5}, &fakeRotator{}, zap.NewNop())
	require.NoError(t, off.Wait(context.Background(), "https://paced.example.com/page"))
}
