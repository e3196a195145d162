// Package session owns the live session for each channel: it builds the
// provider connector, drives the canonical state machine from connector
// events, mirrors status into the channel store and schedules reconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/bus"
	"wagate/internal/clock"
	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/lifecycle"
	"wagate/internal/retry"
)

// ConnectorFactory builds an unstarted connector for a channel.
type ConnectorFactory interface {
	New(ch domain.Channel) (domain.Connector, error)
}

// Config wires a Registry. Sink and Events are optional.
type Config struct {
	Store   domain.ChannelStore
	Factory ConnectorFactory
	Sink    domain.MessageSink
	Events  *bus.EventBus
	Clock   clock.Clock
	Session config.SessionConfig
	Logger  *slog.Logger
}

// Info is a point-in-time view of a live session.
type Info struct {
	ChannelID   string              `json:"channelId"`
	UserID      string              `json:"userId,omitempty"`
	Provider    domain.ProviderType `json:"provider"`
	Status      domain.Status       `json:"status"`
	IsConnected bool                `json:"isConnected"`
	HasQRCode   bool                `json:"hasQRCode"`
	ConnectedAt *time.Time          `json:"connectedAt,omitempty"`
	Phone       string              `json:"phone,omitempty"`
	ProfileName string              `json:"profileName,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
}

// session is the registry's record for one channel. Fields below mu are
// written only while the channel's keyed lock is held.
type session struct {
	channelID string
	userID    string
	provider  domain.ProviderType
	conn      domain.Connector
	machine   *lifecycle.Machine
	limiter   *RateLimiter

	quit chan struct{}
	done chan struct{}

	mu          sync.Mutex
	stopped     bool
	connectedAt time.Time
	phone       string
	profile     string
	qrCount     int
	attempt     int
	retryTimer  clock.Timer
	extTimer    clock.Timer
	lastErr     error
}

func (s *session) info() Info {
	status, qr := s.machine.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{
		ChannelID:   s.channelID,
		UserID:      s.userID,
		Provider:    s.provider,
		Status:      status,
		IsConnected: status == domain.StatusConnected,
		HasQRCode:   qr != "",
		Phone:       s.phone,
		ProfileName: s.profile,
	}
	if !s.connectedAt.IsZero() && in.IsConnected {
		at := s.connectedAt
		in.ConnectedAt = &at
	}
	if s.lastErr != nil {
		in.LastError = s.lastErr.Error()
	}
	return in
}

// Registry is the process-wide map of channel id to live session. Build it
// once at startup with New and call Cleanup at shutdown.
type Registry struct {
	store    domain.ChannelStore
	factory  ConnectorFactory
	sink     domain.MessageSink
	events   *bus.EventBus
	clk      clock.Clock
	cfg      config.SessionConfig
	policy   retry.Policy
	logger   *slog.Logger
	locks    *keyedLock
	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Registry{
		store:    cfg.Store,
		factory:  cfg.Factory,
		sink:     cfg.Sink,
		events:   cfg.Events,
		clk:      cfg.Clock,
		cfg:      cfg.Session,
		policy:   ReconnectPolicy(cfg.Session),
		logger:   cfg.Logger,
		locks:    newKeyedLock(),
		sessions: make(map[string]*session),
	}
}

// ErrClosed is returned by Create after Cleanup.
var ErrClosed = errors.New("session registry closed")

const reasonShutdown = "shutdown"

func (r *Registry) get(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Create builds the session for ch. It is idempotent: an existing session
// for the same channel id is returned unchanged.
func (r *Registry) Create(ctx context.Context, ch domain.Channel) (Info, error) {
	unlock := r.locks.lock(ch.ID)
	defer unlock()
	s, err := r.createLocked(ctx, ch)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

func (r *Registry) createLocked(ctx context.Context, ch domain.Channel) (*session, error) {
	if s := r.get(ch.ID); s != nil {
		return s, nil
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	conn, err := r.factory.New(ch)
	if err != nil {
		return nil, fmt.Errorf("build connector for %s: %w", ch.ID, err)
	}
	if named, ok := conn.(domain.Instanced); ok && named.InstanceID() != ch.InstanceID {
		if err := r.store.SetInstanceID(ctx, ch.ID, named.InstanceID()); err != nil {
			return nil, fmt.Errorf("store instance id: %w", err)
		}
	}

	s := &session{
		channelID: ch.ID,
		userID:    ch.UserID,
		provider:  ch.Provider,
		conn:      conn,
		machine:   lifecycle.New(r.clk),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		phone:     ch.Phone,
	}
	if r.cfg.SendRatePerMinute > 0 {
		burst := r.cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = NewRateLimiter(burst, float64(r.cfg.SendRatePerMinute), r.clk)
	}

	r.mu.Lock()
	r.sessions[ch.ID] = s
	r.mu.Unlock()
	go r.pump(s)

	r.logger.Info("session created", "channel", ch.ID, "provider", ch.Provider)
	return s, nil
}

// pump forwards connector events into the registry until the session stops.
func (r *Registry) pump(s *session) {
	defer close(s.done)
	events := s.conn.Events()
	for {
		select {
		case <-s.quit:
			return
		case ev := <-events:
			r.handle(context.Background(), s, ev)
		}
	}
}

// Start connects a created session. It is a no-op when already connected.
// A connector start failure is recorded (error, then disconnected), fed to
// the reconnection policy when retryable, and returned.
func (r *Registry) Start(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()
	s := r.get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	r.cancelTimers(s)
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
	return r.startLocked(ctx, s, "start")
}

func (r *Registry) startLocked(ctx context.Context, s *session, reason string) error {
	if status, _ := s.machine.Status(); status == domain.StatusConnected || status == domain.StatusConnecting {
		return nil
	}
	if err := r.drive(ctx, s, domain.StatusConnecting, "", reason); err != nil {
		return err
	}

	if err := s.conn.Start(ctx); err != nil {
		r.logger.Warn("connector start failed", "channel", s.channelID, "provider", s.provider, "error", err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		r.publish(bus.EventProviderError, s, map[string]any{"error": err.Error(), "op": "start"})
		r.drive(ctx, s, domain.StatusError, "", domain.ReasonStartFailed)
		r.drive(ctx, s, domain.StatusDisconnected, "", domain.ReasonStartFailed)
		if errors.Is(err, domain.ErrAuthExpired) {
			r.expireLocked(ctx, s, err)
		} else if domain.Retryable(err) {
			r.scheduleReconnect(s, err)
		}
		return err
	}
	return nil
}

// Stop tears the session down and forgets it. It is always safe to call.
func (r *Registry) Stop(ctx context.Context, id string) error {
	return r.stop(ctx, id, domain.ReasonStopped)
}

func (r *Registry) stop(ctx context.Context, id, reason string) error {
	unlock := r.locks.lock(id)
	done := r.stopLocked(ctx, id, reason)
	unlock()
	return wait(ctx, done)
}

// stopLocked returns the session's pump channel; callers wait on it after
// releasing the channel lock, since the pump may be queued on that lock.
// A shutdown stop leaves the stored status alone so LoadConnected can
// restore the session on the next start.
func (r *Registry) stopLocked(ctx context.Context, id, reason string) <-chan struct{} {
	s := r.get(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	r.cancelTimers(s)

	if err := s.conn.Stop(ctx); err != nil {
		r.logger.Warn("connector stop failed", "channel", id, "error", err)
	}
	if c, ok := s.machine.Force(); ok && reason != reasonShutdown {
		r.apply(ctx, s, c, reason)
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	close(s.quit)

	r.logger.Info("session stopped", "channel", id, "reason", reason)
	return s.done
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the session, reloads the channel from the store and starts
// a fresh session, all under the channel lock.
func (r *Registry) Restart(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	r.stopLocked(ctx, id, "restart")
	ch, err := r.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reload channel: %w", err)
	}
	s, err := r.createLocked(ctx, *ch)
	if err != nil {
		return err
	}
	return r.startLocked(ctx, s, "restart")
}

// LoadConnected recreates and starts every channel the store reports as
// connected. Failures are logged and skipped; it returns how many started.
func (r *Registry) LoadConnected(ctx context.Context) (int, error) {
	channels, err := r.store.FindConnected(ctx)
	if err != nil {
		return 0, fmt.Errorf("list connected channels: %w", err)
	}
	started := 0
	for _, ch := range channels {
		if _, err := r.Create(ctx, ch); err != nil {
			r.logger.Error("reload session failed", "channel", ch.ID, "error", err)
			continue
		}
		if err := r.Start(ctx, ch.ID); err != nil {
			r.logger.Error("restart session failed", "channel", ch.ID, "error", err)
			continue
		}
		started++
	}
	r.logger.Info("sessions reloaded", "found", len(channels), "started", started)
	return started, nil
}

// Cleanup stops every session and waits for their pumps to exit. Stored
// statuses are kept. Create fails afterwards.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.stop(ctx, id, reasonShutdown)
		}()
	}
	wg.Wait()
	r.logger.Info("session registry cleaned up", "sessions", len(ids))
	return errors.Join(errs...)
}

// GetSessionStatus never fails; unknown channels report not_found.
func (r *Registry) GetSessionStatus(id string) domain.SessionStatus {
	s := r.get(id)
	if s == nil {
		return domain.SessionStatus{Status: domain.StatusNotFound}
	}
	in := s.info()
	return domain.SessionStatus{Status: in.Status, IsConnected: in.IsConnected, HasQRCode: in.HasQRCode}
}

// GetQRCode returns the current QR payload, or "" when there is none.
func (r *Registry) GetQRCode(id string) string {
	s := r.get(id)
	if s == nil {
		return ""
	}
	_, qr := s.machine.Status()
	return qr
}

// Session returns the live session info for id.
func (r *Registry) Session(id string) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// Sessions lists every live session.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	return out
}

func (r *Registry) GetStats() domain.Stats {
	st := domain.Stats{ByProvider: map[domain.ProviderType]int{}}
	for _, in := range r.Sessions() {
		st.Total++
		st.ByProvider[in.Provider]++
		switch in.Status {
		case domain.StatusConnected:
			st.Connected++
		case domain.StatusConnecting, domain.StatusQRPending:
			st.Connecting++
		default:
			st.Disconnected++
		}
	}
	return st
}

func (r *Registry) Contacts(ctx context.Context, id string) ([]domain.Contact, error) {
	s, err := r.connected(id)
	if err != nil {
		return nil, err
	}
	return s.conn.Contacts(ctx)
}

func (r *Registry) Chats(ctx context.Context, id string) ([]domain.Chat, error) {
	s, err := r.connected(id)
	if err != nil {
		return nil, err
	}
	return s.conn.Chats(ctx)
}

func (r *Registry) connected(id string) (*session, error) {
	s := r.get(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if status, _ := s.machine.Status(); status != domain.StatusConnected {
		return nil, domain.ErrNotConnected
	}
	return s, nil
}

// drive moves the machine to status along the legal path and persists
// every step.
func (r *Registry) drive(ctx context.Context, s *session, status domain.Status, qr, reason string) error {
	changes, err := s.machine.Drive(status, qr)
	for _, c := range changes {
		r.apply(ctx, s, c, reason)
	}
	if err != nil {
		r.logger.Warn("status transition rejected", "channel", s.channelID, "error", err)
	}
	return err
}

// apply mirrors one transition into the channel record and the event bus.
// The QR column is written for qr_pending and cleared when the session
// connects or rests at disconnected; other steps leave it untouched.
func (r *Registry) apply(ctx context.Context, s *session, c lifecycle.Change, reason string) {
	var qr *string
	switch c.To {
	case domain.StatusQRPending, domain.StatusConnected, domain.StatusDisconnected:
		code := c.QR
		qr = &code
	}
	if err := r.store.UpdateStatus(ctx, s.channelID, c.To, qr); err != nil {
		r.logger.Error("persist status failed", "channel", s.channelID, "status", c.To, "error", err)
	}
	r.logger.Debug("session status", "channel", s.channelID, "from", c.From, "to", c.To, "reason", reason)
	r.publish(bus.EventSessionStatus, s, map[string]any{
		"from":   string(c.From),
		"to":     string(c.To),
		"reason": reason,
	})
}

func (r *Registry) publish(topic string, s *session, payload map[string]any) {
	r.publishChannel(topic, s.channelID, s.provider, payload)
}

func (r *Registry) publishChannel(topic, channelID string, provider domain.ProviderType, payload map[string]any) {
	if r.events == nil {
		return
	}
	payload["channel"] = channelID
	payload["provider"] = string(provider)
	r.events.Emit(bus.Event{Type: topic, Source: "session", Payload: payload, Timestamp: r.clk.Now()})
}
