// Package retry implements a bounded exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/defexai/defex-reviewer/internal/core"
)

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultMaxBackoff caps Backoff when the policy sets no MaxBackoff.
const DefaultMaxBackoff = 24 * time.Hour

// Backoff returns the delay before attempt+1, given that attempt attempts
// (1-based) have failed. Delays double from InitialBackoff and are capped at
// MaxBackoff, or DefaultMaxBackoff when that is unset.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	d := p.InitialBackoff
	if d <= 0 {
		return 0
	}
	// Comparing against limit/2 before doubling keeps d from overflowing.
	for i := 1; i < attempt && d < limit; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// Exhausted reports whether attempt has used up the policy's attempts.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// used up or ctx is done. fn receives the 1-based attempt number. The last
// error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if core.IsPermanent(lastErr) || attempt == maxAttempts {
			return lastErr
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
