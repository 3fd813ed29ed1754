package pncp

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 5.0
	defaultRateBurst     = 10
	defaultWaitTimeout   = 10 * time.Second
)

// RateLimiter gates outbound calls to one upstream host with a token bucket.
// Acquisition blocks up to the configured wait timeout; past that the call
// fails with ErrRateLimitExceeded instead of queueing unboundedly.
type RateLimiter struct {
	limiter     *rate.Limiter
	waitTimeout time.Duration
}

// NewRateLimiter creates a token-bucket limiter. Zero values select the
// defaults (5 req/s, burst 10, 10s wait timeout).
func NewRateLimiter(perSecond float64, burst int, waitTimeout time.Duration) *RateLimiter {
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &RateLimiter{
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		waitTimeout: waitTimeout,
	}
}

// Acquire blocks until a token is available or the wait timeout elapses.
// A caller-cancelled context is reported as the context error; timing out
// on the bucket itself is reported as ErrRateLimitExceeded.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()

	err := r.limiter.Wait(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return ErrRateLimitExceeded
	}
	// rate.Limiter also fails fast when the timeout cannot possibly
	// accommodate a token at the configured rate.
	return ErrRateLimitExceeded
}
