// Package alert notifies operators when a session needs a human: its
// credentials expired or it ran out of reconnect attempts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/bus"
	"wagate/internal/clock"
)

// Kind classifies an alert.
type Kind string

const (
	KindAuthExpired        Kind = "auth_expired"
	KindReconnectExhausted Kind = "reconnect_exhausted"
)

const (
	defaultDedupeWindow = 10 * time.Minute
	defaultSendTimeout  = 15 * time.Second
)

// Alert is one operator notification.
type Alert struct {
	Kind     Kind
	Channel  string
	Provider string
	Detail   string
	At       time.Time
}

// Text renders the alert as a single line of plain text.
func (a Alert) Text() string {
	var what string
	switch a.Kind {
	case KindAuthExpired:
		what = "credentials expired, scan a new QR code to pair again"
	case KindReconnectExhausted:
		what = "gave up reconnecting"
	default:
		what = string(a.Kind)
	}
	s := fmt.Sprintf("[wagate] channel %s (%s): %s", a.Channel, a.Provider, what)
	if a.Detail != "" {
		s += " (" + a.Detail + ")"
	}
	return s
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Config configures a Dispatcher.
type Config struct {
	Notifiers []Notifier
	// DedupeWindow suppresses repeats of the same kind for the same channel.
	DedupeWindow time.Duration
	SendTimeout  time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Dispatcher fans alerts out to every notifier in the background.
type Dispatcher struct {
	notifiers []Notifier
	window    time.Duration
	timeout   time.Duration
	clk       clock.Clock
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	wg   sync.WaitGroup
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		notifiers: cfg.Notifiers,
		window:    cfg.DedupeWindow,
		timeout:   cfg.SendTimeout,
		clk:       cfg.Clock,
		logger:    cfg.Logger,
		last:      make(map[string]time.Time),
	}
}

// Subscribe raises alerts for the terminal session topics of eb.
func (d *Dispatcher) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventSessionAuthExpired, d.fromEvent(KindAuthExpired))
	eb.On(bus.EventReconnectExhausted, d.fromEvent(KindReconnectExhausted))
}

func (d *Dispatcher) fromEvent(kind Kind) bus.EventHandler {
	return func(e bus.Event) {
		a := Alert{
			Kind:     kind,
			Channel:  stringField(e.Payload, "channel"),
			Provider: stringField(e.Payload, "provider"),
			Detail:   stringField(e.Payload, "error"),
			At:       e.Timestamp,
		}
		d.Raise(a)
	}
}

// Raise sends a unless an alert of the same kind for the same channel went
// out within the dedupe window. It reports whether a was sent.
func (d *Dispatcher) Raise(a Alert) bool {
	if len(d.notifiers) == 0 {
		return false
	}
	now := d.clk.Now()
	if a.At.IsZero() {
		a.At = now
	}
	key := a.Channel + "|" + string(a.Kind)

	d.mu.Lock()
	if prev, ok := d.last[key]; ok && now.Sub(prev) < d.window {
		d.mu.Unlock()
		d.logger.Debug("alert suppressed", "channel", a.Channel, "kind", a.Kind)
		return false
	}
	d.last[key] = now
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.send(ctx, a); err != nil {
			d.logger.Warn("alert delivery failed", "channel", a.Channel, "kind", a.Kind, "err", err)
		}
	}()
	return true
}

func (d *Dispatcher) send(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every in-flight alert has been delivered or failed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
