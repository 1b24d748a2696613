// Rate limiting for upload workers, built on golang.org/x/time/rate.
// Every blocking acquire observes the caller's context.
package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces the per-endpoint upload policy
// {max_concurrent_uploads, min_delay_ms}. Upload workers acquire a
// semaphore slot and then wait out the minimum inter-request delay before
// proceeding.
type RateLimiter struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing at most maxConcurrent
// in-flight requests, each request additionally spaced at least minDelay
// apart. minDelay <= 0 means no minimum spacing.
func NewRateLimiter(maxConcurrent int, minDelay time.Duration) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	every := rate.Inf
	if minDelay > 0 {
		every = rate.Every(minDelay)
	}
	return &RateLimiter{
		sem:     make(chan struct{}, maxConcurrent),
		limiter: rate.NewLimiter(every, 1),
	}
}

// Acquire blocks until a concurrency slot is free and the minimum delay
// has elapsed, or ctx is cancelled. The caller must invoke the returned
// release function exactly once, typically via defer.
func (r *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := r.limiter.Wait(ctx); err != nil {
		<-r.sem
		return nil, err
	}
	return func() { <-r.sem }, nil
}
