package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus carries normalized inbound messages from the session registry
// to whatever consumes them (ticket persistence, the websocket hub).
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish blocks up to the publish timeout when the buffer is full instead of
// dropping. It returns false if the message was dropped.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel", msg.ChannelID)
		return false
	}

	select {
	case b.inbound <- msg:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.ChannelID, "sender", msg.Message.SenderID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return true
	case <-timer.C:
		b.logger.Error("message dropped: bus full",
			"channel", msg.ChannelID,
			"sender", msg.Message.SenderID,
			"timeout", b.publishTimeout,
		)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// HandleMessage lets the bus serve as the registry's domain.MessageSink.
func (b *InMemoryBus) HandleMessage(_ context.Context, channelID string, msg domain.NormalizedMessage) {
	b.Publish(domain.InboundMessage{ChannelID: channelID, Message: msg})
}

// HandleAck is a no-op; acks travel on the EventBus.
func (b *InMemoryBus) HandleAck(context.Context, string, string, domain.AckStatus) {}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
