// Package retry holds the backoff policy shared by the reconnection logic and
// the provider HTTP clients.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"wagate/internal/clock"
	"wagate/internal/domain"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	Fixed       Backoff = "fixed"
	Exponential Backoff = "exponential"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     Backoff
	// Jitter adds up to Jitter*delay of random extra wait. Zero disables it.
	Jitter float64

	// Retryable decides whether an error is worth another attempt.
	// Defaults to domain.Retryable.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if p.Backoff == Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Int64N(int64(float64(d)*p.Jitter) + 1))
	}
	return d
}

// Exhausted reports whether attempt has used up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The first call is attempt 1 and is not delayed.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func(ctx context.Context, attempt int) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.Retryable
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt - 1)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			if err := clock.Sleep(ctx, clk, delay); err != nil {
				return err
			}
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
