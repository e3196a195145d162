package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func statusEvent(channel, to string) Event {
	return Event{Type: EventSessionStatus, Payload: map[string]any{"channel": channel, "to": to}}
}

// --- Dispatch ---

func TestEventBus_HandlersRunInOrder(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var order []int
	for i := 1; i <= 3; i++ {
		eb.On(EventSessionStatus, func(Event) { order = append(order, i) })
	}
	eb.Emit(statusEvent("ch1", "connected"))

	if len(order) != 3 || order[0] != 1 || order[2] != 3 {
		t.Errorf("order = %v", order)
	}
}

func TestEventBus_AnyTopic(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On(AnyTopic, func(Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventSessionQR})
	eb.Emit(Event{Type: EventMessageReceived})

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestEventBus_OffKeepsOthers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	idA := eb.On(EventSessionStatus, func(Event) { atomic.AddInt32(&a, 1) })
	idB := eb.On(EventSessionStatus, func(Event) { atomic.AddInt32(&b, 1) })
	if idA == idB {
		t.Fatalf("handler ids must be unique, both %q", idA)
	}
	eb.Off(EventSessionStatus, idA)
	eb.Off(EventSessionStatus, idA)

	eb.Emit(statusEvent("ch1", "connected"))
	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("a=%d b=%d, want 0 and 1", a, b)
	}
}

func TestEventBus_HandlerMaySubscribe(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var late int32
	eb.On(EventSessionQR, func(Event) {
		eb.On(EventSessionQR, func(Event) { atomic.AddInt32(&late, 1) })
	})
	eb.Emit(Event{Type: EventSessionQR})
	if atomic.LoadInt32(&late) != 0 {
		t.Error("handler added during Emit ran for the same event")
	}
	eb.Emit(Event{Type: EventSessionQR})
	if atomic.LoadInt32(&late) != 1 {
		t.Errorf("late = %d, want 1", late)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(Event) { panic("test panic") })
	eb.On("panic", func(Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})
	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after the panicking one did not run")
	}
}

// --- History ---

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: EventSessionQR, Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: EventSessionQR})
	eb.Emit(Event{Type: EventMessageAck})

	if got := len(eb.Replay(EventSessionQR, time.Time{})); got != 2 {
		t.Errorf("qr events = %d, want 2", got)
	}
	if got := len(eb.Replay(AnyTopic, threshold)); got != 2 {
		t.Errorf("events since threshold = %d, want 2", got)
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for range 10 {
		eb.Emit(Event{Type: "test"})
	}
	if eb.HistoryLen() != 5 {
		t.Errorf("history = %d, want 5", eb.HistoryLen())
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", time.Time{})
	if len(events) != 1 || events[0].Timestamp.IsZero() {
		t.Fatalf("events = %+v", events)
	}
}

func TestEventBus_Latest(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(statusEvent("ch1", "connecting"))
	eb.Emit(statusEvent("ch2", "qr_pending"))
	eb.Emit(statusEvent("ch1", "connected"))

	e, ok := eb.Latest(EventSessionStatus, "ch1")
	if !ok || e.Payload["to"] != "connected" {
		t.Errorf("latest ch1 = %+v, %v", e, ok)
	}
	if e.Channel() != "ch1" {
		t.Errorf("Channel() = %q", e.Channel())
	}
	if _, ok := eb.Latest(EventSessionQR, "ch1"); ok {
		t.Error("no qr event was emitted for ch1")
	}
}
