package session

import (
	"context"
	"errors"
	"fmt"

	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/lifecycle"
)

// Dispatch feeds an externally delivered event (a webhook) into the same
// handling path as connector events. Channels without a live session still
// get their messages delivered and their stored status updated.
func (r *Registry) Dispatch(ctx context.Context, channelID string, ev domain.Event) {
	if s := r.get(channelID); s != nil {
		r.handle(ctx, s, ev)
		return
	}
	r.handleOffline(ctx, channelID, ev)
}

func (r *Registry) handle(ctx context.Context, s *session, ev domain.Event) {
	unlock := r.locks.lock(s.channelID)
	defer unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || r.get(s.channelID) != s {
		return
	}

	switch ev := ev.(type) {
	case domain.QREvent:
		r.onQR(ctx, s, ev)
	case domain.ConnectedEvent:
		r.onConnected(ctx, s, ev)
	case domain.DisconnectedEvent:
		r.onDisconnected(ctx, s, ev)
	case domain.MessageEvent:
		if r.sink != nil {
			r.sink.HandleMessage(ctx, s.channelID, ev.Message)
		}
		r.publish(bus.EventMessageReceived, s, map[string]any{
			"id":      ev.Message.ID,
			"from":    ev.Message.SenderID,
			"type":    string(ev.Message.Kind),
			"isGroup": ev.Message.IsGroup,
		})
	case domain.AckEvent:
		if r.sink != nil {
			r.sink.HandleAck(ctx, s.channelID, ev.MessageID, ev.Status)
		}
		r.publish(bus.EventMessageAck, s, map[string]any{"id": ev.MessageID, "status": string(ev.Status)})
	case domain.ErrorEvent:
		r.onError(ctx, s, ev)
	}
}

func (r *Registry) onQR(ctx context.Context, s *session, ev domain.QREvent) {
	s.mu.Lock()
	s.qrCount++
	count := s.qrCount
	s.mu.Unlock()

	if limit := r.cfg.MaxQRRegenerations; limit > 0 && count > limit {
		r.logger.Warn("qr regeneration limit reached", "channel", s.channelID, "limit", limit)
		s.mu.Lock()
		s.lastErr = fmt.Errorf("pairing not completed after %d QR codes", limit)
		s.mu.Unlock()
		// The pump calling us is this session's own; don't wait on it.
		r.stopLocked(ctx, s.channelID, domain.ReasonQRExhausted)
		return
	}

	if err := r.drive(ctx, s, domain.StatusQRPending, ev.Code, "qr"); err != nil {
		return
	}
	r.publish(bus.EventSessionQR, s, map[string]any{"qr": ev.Code, "count": count})
}

func (r *Registry) onConnected(ctx context.Context, s *session, ev domain.ConnectedEvent) {
	if err := r.drive(ctx, s, domain.StatusConnected, "", "connected"); err != nil {
		return
	}
	r.cancelTimers(s)

	s.mu.Lock()
	s.connectedAt = r.clk.Now()
	s.qrCount = 0
	s.attempt = 0
	s.lastErr = nil
	if ev.Phone != "" {
		s.phone = ev.Phone
	}
	if ev.ProfileName != "" {
		s.profile = ev.ProfileName
	}
	phone := s.phone
	s.mu.Unlock()

	if ev.Phone != "" {
		if err := r.store.SetPhone(ctx, s.channelID, ev.Phone); err != nil {
			r.logger.Error("persist phone failed", "channel", s.channelID, "error", err)
		}
	}
	r.logger.Info("session connected", "channel", s.channelID, "provider", s.provider, "phone", phone)
}

func (r *Registry) onDisconnected(ctx context.Context, s *session, ev domain.DisconnectedEvent) {
	prev, _ := s.machine.Status()
	reason := ev.Reason
	if reason == "" {
		reason = domain.ReasonClosed
	}
	r.drive(ctx, s, domain.StatusDisconnected, "", reason)
	if ev.Err != nil {
		s.mu.Lock()
		s.lastErr = ev.Err
		s.mu.Unlock()
	}

	if ev.Terminal || domain.IsTerminalReason(reason) {
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", domain.ErrAuthExpired, reason)
		}
		r.expireLocked(ctx, s, err)
		return
	}
	if prev != domain.StatusConnected && prev != domain.StatusConnecting {
		return
	}

	cause := ev.Err
	if cause == nil {
		cause = fmt.Errorf("%w: %s", domain.ErrTransientDisconnect, reason)
	}
	r.scheduleReconnect(s, cause)
	if ev.Source == domain.SourceWebhook && s.provider == domain.ProviderEvolution && reason == domain.ReasonClosed {
		r.scheduleExternal(s)
	}
}

func (r *Registry) onError(ctx context.Context, s *session, ev domain.ErrorEvent) {
	s.mu.Lock()
	s.lastErr = ev.Err
	s.mu.Unlock()
	r.logger.Warn("connector error", "channel", s.channelID, "provider", s.provider, "error", ev.Err)
	r.publish(bus.EventProviderError, s, map[string]any{"error": errString(ev.Err)})

	if errors.Is(ev.Err, domain.ErrAuthExpired) {
		r.drive(ctx, s, domain.StatusDisconnected, "", domain.ReasonAuthFailure)
		r.expireLocked(ctx, s, ev.Err)
	}
}

// expireLocked handles a terminal authentication loss: timers are dropped,
// credentials cleared and the session rests at disconnected until a new
// Start runs a fresh pairing cycle.
func (r *Registry) expireLocked(ctx context.Context, s *session, cause error) {
	r.cancelTimers(s)
	if err := s.conn.ClearCredentials(ctx); err != nil {
		r.logger.Error("clear credentials failed", "channel", s.channelID, "error", err)
	}
	if err := s.conn.Stop(ctx); err != nil {
		r.logger.Warn("connector stop failed", "channel", s.channelID, "error", err)
	}
	s.mu.Lock()
	s.qrCount = 0
	s.attempt = 0
	s.lastErr = cause
	s.mu.Unlock()

	r.logger.Warn("session authentication expired", "channel", s.channelID, "provider", s.provider, "error", cause)
	r.publish(bus.EventSessionAuthExpired, s, map[string]any{"error": errString(cause)})
}

// handleOffline applies a webhook event for a channel with no live session.
// The stored status is moved along the legal transitions only.
func (r *Registry) handleOffline(ctx context.Context, channelID string, ev domain.Event) {
	var (
		target domain.Status
		code   string
		reason string
	)
	switch ev := ev.(type) {
	case domain.MessageEvent:
		if r.sink != nil {
			r.sink.HandleMessage(ctx, channelID, ev.Message)
		}
		return
	case domain.AckEvent:
		if r.sink != nil {
			r.sink.HandleAck(ctx, channelID, ev.MessageID, ev.Status)
		}
		return
	case domain.QREvent:
		target, code, reason = domain.StatusQRPending, ev.Code, "qr"
	case domain.ConnectedEvent:
		target, reason = domain.StatusConnected, "connected"
		if ev.Phone != "" {
			if err := r.store.SetPhone(ctx, channelID, ev.Phone); err != nil {
				r.logger.Error("persist phone failed", "channel", channelID, "error", err)
			}
		}
	case domain.DisconnectedEvent:
		target, reason = domain.StatusDisconnected, ev.Reason
	default:
		return
	}

	ch, err := r.store.FindByID(ctx, channelID)
	if err != nil {
		r.logger.Error("load channel failed", "channel", channelID, "error", err)
		return
	}
	steps := offlineSteps(ch.Status, target)
	if steps == nil {
		r.logger.Debug("offline event ignored", "channel", channelID, "from", ch.Status, "to", target)
		return
	}

	from := ch.Status
	for _, to := range steps {
		var qr *string
		switch to {
		case domain.StatusQRPending:
			qr = &code
		case domain.StatusConnected, domain.StatusDisconnected:
			empty := ""
			qr = &empty
		}
		if err := r.store.UpdateStatus(ctx, channelID, to, qr); err != nil {
			r.logger.Error("persist status failed", "channel", channelID, "status", to, "error", err)
			return
		}
		r.publishChannel(bus.EventSessionStatus, channelID, ch.Provider, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
		from = to
	}
}

// offlineSteps returns the statuses to write on the way from -> to. A fresh
// QR while already pending rewrites qr_pending. Nil means no legal route.
func offlineSteps(from, to domain.Status) []domain.Status {
	if from == to {
		if to == domain.StatusQRPending {
			return []domain.Status{to}
		}
		return []domain.Status{}
	}
	if steps := lifecycle.Path(from, to); steps != nil {
		return steps
	}
	down := lifecycle.Path(from, domain.StatusDisconnected)
	up := lifecycle.Path(domain.StatusDisconnected, to)
	if down == nil || up == nil {
		return nil
	}
	return append(down, up...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
