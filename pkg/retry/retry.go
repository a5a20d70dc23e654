// Package retry implements the bounded exponential-backoff-with-jitter
// policy used for transient external failures: initial 1s, factor 2,
// up to 3 attempts.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Factor      float64
}

// Default is the policy applied to every outbound HTTP call.
var Default = Policy{MaxAttempts: 3, Initial: time.Second, Factor: 2}

// Do calls fn up to p.MaxAttempts times, sleeping a jittered exponential
// backoff between attempts, and returns the last error if every attempt
// fails. It respects ctx cancellation between attempts.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	backoff := p.Initial
	if backoff <= 0 {
		backoff = time.Second
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * factor)
	}

	return lastErr
}

// Do runs fn with the default policy.
func Do(ctx context.Context, fn func(attempt int) error) error {
	return Default.Do(ctx, fn)
}
