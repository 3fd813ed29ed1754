package pncp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts    = 5
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultRateLimitDelay = 15 * time.Second
)

// RetryPolicy retries transient upstream failures with exponential backoff.
// Permanent failures (4xx other than 429) stop immediately; rate-limit
// failures wait the longer RateLimitDelay between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first call included
	MaxAttempts int

	// BaseDelay is the initial backoff interval; each retry doubles it
	// with ±20% jitter up to MaxDelay
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval
	MaxDelay time.Duration

	// RateLimitDelay is the fixed wait applied after a 429 or local
	// bucket exhaustion, deliberately longer than the transient backoff
	RateLimitDelay time.Duration
}

// DefaultRetryPolicy returns the stock policy: 5 attempts, 1s base, factor 2,
// ±20% jitter, 30s cap, 15s rate-limit delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		RateLimitDelay: defaultRateLimitDelay,
	}
}

// Do runs fn until it succeeds, fails permanently, or exhausts the attempt
// budget. The last underlying error is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	rateLimitDelay := p.RateLimitDelay
	if rateLimitDelay <= 0 {
		rateLimitDelay = defaultRateLimitDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = maxDelay

	var lastErr error
	operation := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		switch {
		case IsRateLimited(err):
			return struct{}{}, &backoff.RetryAfterError{Duration: rateLimitDelay}
		case IsTransient(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}
