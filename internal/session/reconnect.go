package session

import (
	"context"
	"time"

	"wagate/internal/bus"
	"wagate/internal/config"
	"wagate/internal/retry"
)

// ReconnectPolicy builds the bounded reconnect schedule from session config.
func ReconnectPolicy(cfg config.SessionConfig) retry.Policy {
	backoff := retry.Exponential
	if cfg.Backoff == string(retry.Fixed) {
		backoff = retry.Fixed
	}
	return retry.Policy{
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   time.Duration(cfg.ReconnectDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxReconnectDelayMs) * time.Millisecond,
		Backoff:     backoff,
		Jitter:      cfg.ReconnectJitter,
	}
}

// scheduleReconnect arms the next attempt, or gives up once the policy is
// exhausted. At most one attempt timer exists per session.
func (r *Registry) scheduleReconnect(s *session, cause error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	s.lastErr = cause

	if r.policy.MaxAttempts <= 0 || r.policy.Exhausted(attempt) {
		s.attempt = 0
		s.mu.Unlock()
		r.logger.Warn("reconnect attempts exhausted", "channel", s.channelID, "attempts", attempt-1, "error", cause)
		r.publish(bus.EventReconnectExhausted, s, map[string]any{"attempts": attempt - 1, "error": errString(cause)})
		return
	}

	delay := r.policy.Delay(attempt)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = r.clk.AfterFunc(delay, func() { r.attemptReconnect(s, "reconnect") })
	s.mu.Unlock()

	r.logger.Info("reconnect scheduled", "channel", s.channelID, "attempt", attempt, "delay", delay)
	r.publish(bus.EventReconnectScheduled, s, map[string]any{"attempt": attempt, "delayMs": delay.Milliseconds()})
}

// scheduleExternal arms the single extra attempt used for providers with no
// in-process retry of their own, after a webhook reported the close.
func (r *Registry) scheduleExternal(s *session) {
	delay := time.Duration(r.cfg.ExternalReconnectDelayMs) * time.Millisecond
	if delay <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.extTimer != nil {
		s.extTimer.Stop()
	}
	s.extTimer = r.clk.AfterFunc(delay, func() { r.attemptReconnect(s, "external_reconnect") })
	r.logger.Info("external reconnect scheduled", "channel", s.channelID, "delay", delay)
}

func (r *Registry) cancelTimers(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.extTimer != nil {
		s.extTimer.Stop()
		s.extTimer = nil
	}
}

func (r *Registry) attemptReconnect(s *session, reason string) {
	unlock := r.locks.lock(s.channelID)
	defer unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || r.get(s.channelID) != s {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r.logger.Info("reconnecting session", "channel", s.channelID, "reason", reason)
	// startLocked schedules the following attempt itself when this one fails.
	r.startLocked(ctx, s, reason)
}
