// Package retry implements exponential backoff around fallible calls.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// Policy configures Do.
type Policy struct {
	// MaxRetries is the total number of invocations before giving up.
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	// MaxDelay caps a single wait when > 0.
	MaxDelay time.Duration
	// Jitter adds up to this fraction of the delay (0 disables it).
	Jitter float64
	// Retryable filters errors; nil retries everything except context errors.
	Retryable func(error) bool
	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits for d or until ctx ends; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors the classic 5 attempts, 1s initial delay, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
	}
}

// Fixed returns a policy that waits the same delay between attempts.
func Fixed(attempts int, delay time.Duration, retryable func(error) bool) Policy {
	return Policy{
		MaxRetries:    attempts,
		InitialDelay:  delay,
		BackoffFactor: 1,
		Retryable:     retryable,
	}
}

// RetriesExhaustedError is returned once every attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements error.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last failure.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Is matches crawler.ErrRetriesExhausted.
func (e *RetriesExhaustedError) Is(target error) bool {
	return target == crawler.ErrRetriesExhausted
}

// Do runs op until it succeeds, the policy gives up, or ctx ends.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry canceled: %w", err)
		}
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if !p.shouldRetry(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		wait := p.withJitter(p.capped(delay))
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry wait: %w", err)
		}
		delay = time.Duration(float64(delay) * factor)
	}
	return zero, &RetriesExhaustedError{Attempts: attempts, Last: lastErr}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (p Policy) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	limit := int64(float64(d) * p.Jitter)
	if limit <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
