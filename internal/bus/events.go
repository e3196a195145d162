package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Topics published by the session registry and the webhook router. Every
// payload carries "channel" and "provider".
const (
	EventSessionStatus      = "session.status"              // from, to, reason
	EventSessionQR          = "session.qr"                  // qr, count
	EventSessionAuthExpired = "session.auth_expired"        // error
	EventReconnectScheduled = "session.reconnect_scheduled" // attempt, delayMs
	EventReconnectExhausted = "session.reconnect_exhausted" // attempts, error
	EventMessageReceived    = "message.received"
	EventMessageAck         = "message.ack"  // id, status
	EventMessageSent        = "message.sent" // success, latencyMs, id | error
	EventProviderError      = "provider.error"
	EventWebhookReceived    = "webhook.received" // event, count
)

// AnyTopic subscribes a handler to every topic.
const AnyTopic = "*"

const defaultHistory = 1000

// Event is one published occurrence.
type Event struct {
	Type      string
	Source    string // publishing component
	Payload   map[string]any
	Timestamp time.Time
}

// Channel returns the channel id carried in the payload, if any.
func (e Event) Channel() string {
	id, _ := e.Payload["channel"].(string)
	return id
}

type EventHandler func(Event)

type namedHandler struct {
	id string
	fn EventHandler
}

// EventBus is a synchronous topic bus. Handlers run on the emitting
// goroutine in registration order; a panicking handler is logged and
// skipped. A bounded history supports late subscribers.
type EventBus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger:     logger,
		handlers:   make(map[string][]namedHandler),
		maxHistory: defaultHistory,
	}
}

// On registers fn for topic (or AnyTopic) and returns an id for Off.
func (eb *EventBus) On(topic string, fn EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := topic + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[topic] = append(eb.handlers[topic], namedHandler{id: id, fn: fn})
	return id
}

func (eb *EventBus) Off(topic, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	hs := eb.handlers[topic]
	for i, h := range hs {
		if h.id == id {
			eb.handlers[topic] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

func (eb *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, e)
	// copy so handlers may call On/Off
	hs := make([]namedHandler, 0, len(eb.handlers[e.Type])+len(eb.handlers[AnyTopic]))
	hs = append(hs, eb.handlers[e.Type]...)
	hs = append(hs, eb.handlers[AnyTopic]...)
	eb.mu.Unlock()

	for _, h := range hs {
		eb.call(h, e)
	}
}

func (eb *EventBus) call(h namedHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", e.Type, "handler", h.id, "panic", r)
		}
	}()
	h.fn(e)
}

// Replay returns retained events of topic (or AnyTopic) at or after since.
func (eb *EventBus) Replay(topic string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if topic == AnyTopic || e.Type == topic {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the most recent retained event of topic for a channel.
func (eb *EventBus) Latest(topic, channelID string) (Event, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for i := len(eb.history) - 1; i >= 0; i-- {
		if e := eb.history[i]; e.Type == topic && e.Channel() == channelID {
			return e, true
		}
	}
	return Event{}, false
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
