package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

func TestCollector_CounterGaugeRender(t *testing.T) {
	c := New()
	c.Counter("test_total", "A counter", `kind="a"`).Add(3)
	c.Counter("test_total", "A counter", `kind="a"`).Inc()
	c.Counter("test_total", "A counter", `kind="b"`).Inc()
	c.Gauge("test_gauge", "A gauge", "").Set(7)

	out := c.Render()
	for _, want := range []string{
		"# TYPE test_total counter",
		`test_total{kind="a"} 4`,
		`test_total{kind="b"} 1`,
		"# TYPE test_gauge gauge",
		"test_gauge 7",
		"wagate_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "# HELP test_total") != 1 {
		t.Error("HELP should be written once per metric name")
	}
	if strings.Index(out, `kind="a"`) > strings.Index(out, `kind="b"`) {
		t.Error("samples should be sorted by labels")
	}
}

func TestCollector_Histogram(t *testing.T) {
	c := New()
	h := c.Histogram("lat_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	out := c.Render()
	for _, want := range []string{
		`lat_seconds_bucket{le="0.1"} 1`,
		`lat_seconds_bucket{le="1"} 2`,
		`lat_seconds_bucket{le="+Inf"} 3`,
		"lat_seconds_count 3",
		"lat_seconds_sum 5.550000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestCollector_GaugeFunc(t *testing.T) {
	c := New()
	calls := 0
	c.RegisterGaugeFunc("live", "Live things", func() map[string]int64 {
		calls++
		return map[string]int64{`s="x"`: int64(calls)}
	})
	c.Render()
	if out := c.Render(); !strings.Contains(out, `live{s="x"} 2`) {
		t.Errorf("gauge func should be sampled per scrape:\n%s", out)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.Counter("hits_total", "Hits", "").Inc()
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Error("body missing counter")
	}
}

// --- Bus wiring ---

func TestSubscribe_SessionEvents(t *testing.T) {
	c := New()
	eb := bus.NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	Subscribe(c, eb)

	eb.Emit(bus.Event{Type: bus.EventMessageReceived, Payload: map[string]any{"provider": "baileys"}})
	eb.Emit(bus.Event{Type: bus.EventMessageReceived, Payload: map[string]any{"provider": "baileys"}})
	eb.Emit(bus.Event{Type: bus.EventMessageSent, Payload: map[string]any{"success": true, "latencyMs": int64(250)}})
	eb.Emit(bus.Event{Type: bus.EventMessageSent, Payload: map[string]any{"success": false, "latencyMs": int64(40)}})
	eb.Emit(bus.Event{Type: bus.EventReconnectScheduled, Payload: map[string]any{"provider": "evolution"}})
	eb.Emit(bus.Event{Type: bus.EventWebhookReceived, Payload: map[string]any{}})

	if v := c.Counter(nameMessagesReceived, "", `provider="baileys"`).Value(); v != 2 {
		t.Errorf("received = %d", v)
	}
	if v := c.Counter(nameMessagesSent, "", `result="ok"`).Value(); v != 1 {
		t.Errorf("sent ok = %d", v)
	}
	if v := c.Counter(nameMessagesSent, "", `result="error"`).Value(); v != 1 {
		t.Errorf("sent error = %d", v)
	}
	if n := c.Histogram(nameSendLatency, "", "", latencyBuckets).Count(); n != 2 {
		t.Errorf("latency observations = %d", n)
	}
	if v := c.Counter(nameReconnectAttempts, "", `provider="evolution"`).Value(); v != 1 {
		t.Errorf("reconnects = %d", v)
	}
	if v := c.Counter(nameWebhookEvents, "", `provider="unknown"`).Value(); v != 1 {
		t.Errorf("webhooks = %d", v)
	}
}

func TestRegisterSessions(t *testing.T) {
	c := New()
	RegisterSessions(c, func() domain.Stats {
		return domain.Stats{Total: 4, Connected: 2, Connecting: 1, Disconnected: 1}
	})
	out := c.Render()
	for _, want := range []string{
		`wagate_sessions{status="connected"} 2`,
		`wagate_sessions{status="connecting"} 1`,
		`wagate_sessions{status="disconnected"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q", want)
		}
	}
}
