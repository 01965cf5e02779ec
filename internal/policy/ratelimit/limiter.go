// Package ratelimit implements token bucket limits on remote listing calls,
// keyed by bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bucket-folder-stats/internal/metrics"
)

// Limiter manages per-bucket rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a listing call against bucket may proceed.
func (l *Limiter) Wait(ctx context.Context, bucket string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	limiter, exists := l.limiters[bucket]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[bucket] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// immediate grants are not delays
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(bucket, duration)
	}
	return nil
}
