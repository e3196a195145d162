package connector

import (
	"log/slog"
	"time"

	"wagate/internal/domain"
)

const (
	eventBuffer        = 64
	defaultEmitTimeout = 5 * time.Second
)

// emitter is the outbound half of a connector's event channel. The channel is
// never closed; consumers stop reading when their session ends.
type emitter struct {
	ch      chan domain.Event
	timeout time.Duration
	logger  *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{
		ch:      make(chan domain.Event, eventBuffer),
		timeout: defaultEmitTimeout,
		logger:  logger,
	}
}

// emit blocks up to the emit timeout when the buffer is full instead of
// dropping immediately.
func (e *emitter) emit(ev domain.Event) {
	select {
	case e.ch <- ev:
		return
	default:
	}

	e.logger.Warn("connector event buffer full, waiting", "event", domain.EventTag(ev))
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case e.ch <- ev:
	case <-timer.C:
		e.logger.Error("connector event dropped", "event", domain.EventTag(ev), "timeout", e.timeout)
	}
}

func (e *emitter) events() <-chan domain.Event { return e.ch }
