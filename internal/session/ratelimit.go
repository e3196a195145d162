package session

import (
	"context"
	"sync"
	"time"

	"wagate/internal/clock"
)

// RateLimiter is a token bucket for throttling sends on one session.
type RateLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64, clk clock.Clock) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 5
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clk:      clk,
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: clk.Now(),
	}
}

func (rl *RateLimiter) refillLocked() {
	now := rl.clk.Now()
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.lastTime = now
}

// Allow takes a token if one is available without waiting.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked()
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refillLocked()
		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := clock.Sleep(ctx, rl.clk, wait); err != nil {
			return err
		}
	}
}
