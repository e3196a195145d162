package clock

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	c := NewFake(epoch)

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("after 2s order = %v", order)
	}
	if c.Pending() != 1 {
		t.Errorf("pending = %d, want 1", c.Pending())
	}

	c.Advance(time.Second)
	if len(order) != 3 {
		t.Errorf("after 3s order = %v", order)
	}
	if !c.Now().Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("now = %v", c.Now())
	}
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(epoch)

	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Error("first Stop should report true")
	}
	if tm.Stop() {
		t.Error("second Stop should report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_CallbackSchedulesWithinWindow(t *testing.T) {
	c := NewFake(epoch)

	var at []time.Time
	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now())
		c.AfterFunc(time.Second, func() { at = append(at, c.Now()) })
	})

	c.Advance(5 * time.Second)
	if len(at) != 2 {
		t.Fatalf("fired %d times, want 2", len(at))
	}
	if !at[1].Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("chained timer fired at %v", at[1])
	}
}

func TestSleep_ContextCancel(t *testing.T) {
	c := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, c, time.Hour); err == nil {
		t.Error("expected context error")
	}
}

func TestSleep_Advance(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), c, time.Second) }()

	deadline := time.Now().Add(time.Second)
	for c.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Sleep: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}
