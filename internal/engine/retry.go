package engine

import (
	"crypto/rand"
	"math/big"
	"time"
)

// RetryPolicy controls per-entity retry behavior in the discovery pool.
// Delays grow linearly with the attempt number and carry random jitter so
// workers do not hammer a recovering site in lockstep.
type RetryPolicy struct {
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy. Non-positive arguments fall back to the
// defaults (3 attempts, 1s..3s base window).
func NewRetryPolicy(maxAttempts int, minDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay <= minDelay {
		maxDelay = 3 * minDelay
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the retry budget.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable at this attempt.
// Attempts are 1-based.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return IsRetryable(err)
}

// Backoff returns a randomized delay in [min*attempt, max*attempt).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	low := p.minDelay * time.Duration(attempt)
	high := p.maxDelay * time.Duration(attempt)
	return low + randomJitter(high-low)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
