package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"wagate/internal/clock"
	"wagate/internal/domain"
)

func TestPolicy_DelayFixed(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, Backoff: Fixed}
	for _, n := range []int{1, 2, 5} {
		if got := p.Delay(n); got != 2*time.Second {
			t.Errorf("Delay(%d) = %v, want 2s", n, got)
		}
	}
}

func TestPolicy_DelayExponentialCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Backoff: Exponential}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_DelayJitterBounded(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < time.Second || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if p.Exhausted(3) {
		t.Error("attempt 3 of 3 should not be exhausted")
	}
	if !p.Exhausted(4) {
		t.Error("attempt 4 of 3 should be exhausted")
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), clock.Real(), Policy{MaxAttempts: 3}, func(context.Context, int) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), clock.Real(), Policy{MaxAttempts: 3}, func(context.Context, int) error {
		calls++
		return domain.ErrAuthExpired
	})
	if !errors.Is(err, domain.ErrAuthExpired) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(_ int, d time.Duration, _ error) { waits = append(waits, d) },
	}
	calls := 0
	err := Do(context.Background(), clock.Real(), p, func(context.Context, int) error {
		calls++
		return domain.ErrProviderUnavailable
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v", err)
	}
	if calls != 3 || len(waits) != 2 {
		t.Errorf("calls=%d waits=%d, want 3 and 2", calls, len(waits))
	}
}
