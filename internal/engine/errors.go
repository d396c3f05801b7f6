package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors forming the failure taxonomy. Callers classify with
// errors.Is.
var (
	// ErrTransient marks network failures worth retrying.
	ErrTransient = errors.New("transient network error")
	// ErrBlockDetected marks responses that look like automated-traffic
	// blocking (429, 403, CAPTCHA pages).
	ErrBlockDetected = errors.New("block detected")
	// ErrTimeout marks task- or poll-level deadline expiry.
	ErrTimeout = errors.New("timed out")
	// ErrNotFound is returned by stores for unknown IDs.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning rejects a second concurrent campaign.
	ErrAlreadyRunning = errors.New("campaign already running")
	// ErrStopped is returned when work is skipped because of a stop request.
	ErrStopped = errors.New("stopped")
)

// blockPhrases are substrings that indicate a block page rather than an
// ordinary failure. Matched case-insensitively against error text and body
// snippets.
var blockPhrases = []string{
	"429",
	"403",
	"too many requests",
	"captcha",
	"unusual traffic",
	"access denied",
	"rate limit",
}

// IsBlockSignal reports whether err looks like the target is blocking
// automated traffic.
func IsBlockSignal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBlockDetected) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, phrase := range blockPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is worth another attempt. Context
// cancellation is never retried; block signals are (after rotation).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrBlockDetected) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// BlockStatus wraps an HTTP status code as ErrBlockDetected when the code is
// block-indicative, and ErrTransient for 5xx. Returns nil otherwise.
func BlockStatus(code int) error {
	switch {
	case code == 429 || code == 403:
		return fmt.Errorf("http %d: %w", code, ErrBlockDetected)
	case code >= 500:
		return fmt.Errorf("http %d: %w", code, ErrTransient)
	default:
		return nil
	}
}
