package store

import (
	"context"
	"time"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

// RecordTransitions appends every session.status event to the transition
// log. It returns the handler id for EventBus.Off.
func (s *SQLiteStore) RecordTransitions(eb *bus.EventBus) string {
	return eb.On(bus.EventSessionStatus, func(ev bus.Event) {
		channelID, _ := ev.Payload["channel"].(string)
		from, _ := ev.Payload["from"].(string)
		to, _ := ev.Payload["to"].(string)
		reason, _ := ev.Payload["reason"].(string)
		if channelID == "" || to == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordTransition(ctx, channelID, domain.Status(from), domain.Status(to), reason); err != nil {
			s.logger.Warn("record transition failed", "channel", channelID, "error", err)
		}
	})
}
