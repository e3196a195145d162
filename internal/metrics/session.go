package metrics

import (
	"fmt"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

const (
	nameMessagesReceived  = "wagate_messages_received_total"
	nameMessagesSent      = "wagate_messages_sent_total"
	nameSendLatency       = "wagate_send_latency_seconds"
	nameReconnectAttempts = "wagate_reconnect_attempts_total"
	nameReconnectGaveUp   = "wagate_reconnect_exhausted_total"
	nameAuthExpired       = "wagate_auth_expired_total"
	nameWebhookEvents     = "wagate_webhook_events_total"
	nameSessions          = "wagate_sessions"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Subscribe feeds the session and webhook topics of eb into c.
func Subscribe(c *Collector, eb *bus.EventBus) {
	eb.On(bus.EventMessageReceived, func(e bus.Event) {
		c.Counter(nameMessagesReceived, "Inbound messages delivered to the sink", providerLabel(e)).Inc()
	})
	eb.On(bus.EventMessageSent, func(e bus.Event) {
		result := "error"
		if ok, _ := e.Payload["success"].(bool); ok {
			result = "ok"
		}
		c.Counter(nameMessagesSent, "Outbound send attempts by result", fmt.Sprintf(`result="%s"`, result)).Inc()
		if ms, ok := number(e.Payload["latencyMs"]); ok {
			c.Histogram(nameSendLatency, "Provider send latency in seconds", "", latencyBuckets).Observe(ms / 1000)
		}
	})
	eb.On(bus.EventReconnectScheduled, func(e bus.Event) {
		c.Counter(nameReconnectAttempts, "Scheduled reconnect attempts", providerLabel(e)).Inc()
	})
	eb.On(bus.EventReconnectExhausted, func(e bus.Event) {
		c.Counter(nameReconnectGaveUp, "Sessions that ran out of reconnect attempts", providerLabel(e)).Inc()
	})
	eb.On(bus.EventSessionAuthExpired, func(e bus.Event) {
		c.Counter(nameAuthExpired, "Sessions whose credentials expired", providerLabel(e)).Inc()
	})
	eb.On(bus.EventWebhookReceived, func(e bus.Event) {
		c.Counter(nameWebhookEvents, "Webhook deliveries accepted", providerLabel(e)).Inc()
	})
}

// RegisterSessions exposes the live session counts returned by stats.
func RegisterSessions(c *Collector, stats func() domain.Stats) {
	c.RegisterGaugeFunc(nameSessions, "Live sessions by status", func() map[string]int64 {
		s := stats()
		return map[string]int64{
			`status="connected"`:    int64(s.Connected),
			`status="connecting"`:   int64(s.Connecting),
			`status="disconnected"`: int64(s.Disconnected),
		}
	})
}

func providerLabel(e bus.Event) string {
	p, _ := e.Payload["provider"].(string)
	if p == "" {
		p = "unknown"
	}
	return fmt.Sprintf(`provider="%s"`, p)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
