package session

import (
	"context"
	"errors"
	"time"

	"wagate/internal/bus"
	"wagate/internal/clock"
	"wagate/internal/domain"
)

const (
	msgSessionNotFound = "Session not found"
	msgNotConnected    = "Session not connected"
	msgRateLimited     = "rate limited"
)

// SendMessage sends text over a connected session. Failures are returned as
// data; the provider is never called unless the session is connected.
func (r *Registry) SendMessage(ctx context.Context, id, to, text string, opts domain.SendOptions) domain.SendResult {
	if err := domain.ValidateText(text); err != nil {
		return failed(err.Error())
	}
	return r.send(ctx, id, false, func(c domain.Connector) (domain.SendReceipt, error) {
		return c.SendMessage(ctx, to, text, opts)
	})
}

// SendMedia sends an attachment over a connected session.
func (r *Registry) SendMedia(ctx context.Context, id, to string, media domain.Media, opts domain.SendOptions) domain.SendResult {
	if err := media.Validate(); err != nil {
		return failed(err.Error())
	}
	return r.send(ctx, id, false, func(c domain.Connector) (domain.SendReceipt, error) {
		return c.SendMedia(ctx, to, media, opts)
	})
}

// SendBulk sends text to every recipient in order, pausing the configured
// bulk delay between messages. A failed recipient never stops the loop;
// cancellation fails the remaining recipients.
func (r *Registry) SendBulk(ctx context.Context, id string, recipients []string, text string, opts domain.SendOptions) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(recipients))
	delay := time.Duration(r.cfg.BulkSendDelayMs) * time.Millisecond
	for i, to := range recipients {
		if i > 0 {
			if err := clock.Sleep(ctx, r.clk, delay); err != nil {
				for _, rest := range recipients[i:] {
					results = append(results, domain.BulkResult{To: rest, SendResult: failed(err.Error())})
				}
				break
			}
		}
		var res domain.SendResult
		if err := domain.ValidateText(text); err != nil {
			res = failed(err.Error())
		} else {
			res = r.send(ctx, id, true, func(c domain.Connector) (domain.SendReceipt, error) {
				return c.SendMessage(ctx, to, text, opts)
			})
		}
		results = append(results, domain.BulkResult{To: to, SendResult: res})
	}
	return results
}

func failed(msg string) domain.SendResult {
	return domain.SendResult{Success: false, Message: msg}
}

// send checks connectivity synchronously, then delegates to the connector.
// wait makes the rate limiter block instead of rejecting.
func (r *Registry) send(ctx context.Context, id string, wait bool, call func(domain.Connector) (domain.SendReceipt, error)) domain.SendResult {
	s := r.get(id)
	if s == nil {
		return failed(msgSessionNotFound)
	}
	if status, _ := s.machine.Status(); status != domain.StatusConnected {
		return failed(msgNotConnected)
	}
	if s.limiter != nil {
		if wait {
			if err := s.limiter.Wait(ctx); err != nil {
				return failed(err.Error())
			}
		} else if !s.limiter.Allow() {
			return failed(msgRateLimited)
		}
	}

	start := r.clk.Now()
	receipt, err := call(s.conn)
	latency := r.clk.Now().Sub(start)
	if err != nil {
		r.logger.Warn("send failed", "channel", id, "provider", s.provider, "error", err)
		r.publish(bus.EventMessageSent, s, map[string]any{"success": false, "latencyMs": latency.Milliseconds(), "error": err.Error()})
		if errors.Is(err, domain.ErrAuthExpired) {
			// the session is gone on the provider side
			go r.Dispatch(context.Background(), id, domain.DisconnectedEvent{Reason: domain.ReasonAuthFailure, Terminal: true, Err: err})
		}
		return failed(err.Error())
	}

	r.publish(bus.EventMessageSent, s, map[string]any{"success": true, "latencyMs": latency.Milliseconds(), "id": receipt.ID})
	ts := receipt.Timestamp
	if ts.IsZero() {
		ts = r.clk.Now()
	}
	return domain.SendResult{Success: true, MessageID: receipt.ID, Timestamp: &ts}
}
