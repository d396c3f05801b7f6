package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsBlockSignal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped sentinel", fmt.Errorf("fetch: %w", ErrBlockDetected), true},
		{"http 429 text", errors.New("server returned 429 Too Many Requests"), true},
		{"captcha text", errors.New("CAPTCHA challenge presented"), true},
		{"unusual traffic", errors.New("detected Unusual Traffic from your network"), true},
		{"plain failure", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsBlockSignal(tc.err))
		})
	}
}

func TestIsRetryable_ContextErrorsNeverRetry(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	require.True(t, IsRetryable(ErrTransient))
	require.True(t, IsRetryable(ErrBlockDetected))
}

func TestBlockStatus(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, BlockStatus(429), ErrBlockDetected)
	require.ErrorIs(t, BlockStatus(403), ErrBlockDetected)
	require.ErrorIs(t, BlockStatus(503), ErrTransient)
	require.NoError(t, BlockStatus(200))
	require.NoError(t, BlockStatus(404))
}

func TestRetryPolicy_BackoffWindow(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100, 300)
	for attempt := 1; attempt <= 3; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, int64(d), int64(100*attempt))
			require.Less(t, int64(d), int64(300*attempt))
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 0, 0)
	require.True(t, p.ShouldRetry(ErrTransient, 1))
	require.True(t, p.ShouldRetry(ErrTransient, 2))
	require.False(t, p.ShouldRetry(ErrTransient, 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestTaskStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, TaskStatusCompleted.Terminal())
	require.True(t, TaskStatusFailed.Terminal())
	require.False(t, TaskStatusPending.Terminal())
	require.False(t, TaskStatusRunning.Terminal())
}
