package session

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"wagate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConnector records every call and lets tests push events.
type fakeConnector struct {
	provider domain.ProviderType
	events   chan domain.Event

	mu       sync.Mutex
	starts   int
	stops    int
	clears   int
	sends    int
	startErr error
	sendErr  error
	qr       string
	instance string

	seq    int          // build order within the factory
	record func(string) // shared call log, nil outside a factory
	delay  time.Duration
}

func newFakeConnector(p domain.ProviderType) *fakeConnector {
	return &fakeConnector{provider: p, events: make(chan domain.Event, 16)}
}

func (f *fakeConnector) Provider() domain.ProviderType { return f.provider }
func (f *fakeConnector) Events() <-chan domain.Event    { return f.events }

func (f *fakeConnector) Start(ctx context.Context) error {
	f.log("start")
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeConnector) Stop(ctx context.Context) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.log("stop")
	return nil
}

func (f *fakeConnector) log(op string) {
	if f.record != nil {
		f.record(op + " " + strconv.Itoa(f.seq))
	}
}

func (f *fakeConnector) SendMessage(ctx context.Context, to, text string, opts domain.SendOptions) (domain.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return domain.SendReceipt{}, f.sendErr
	}
	return domain.SendReceipt{ID: "msg-" + to, Status: domain.AckSent, Timestamp: time.Unix(1700000000, 0)}, nil
}

func (f *fakeConnector) SendMedia(ctx context.Context, to string, m domain.Media, opts domain.SendOptions) (domain.SendReceipt, error) {
	return f.SendMessage(ctx, to, m.Caption, opts)
}

func (f *fakeConnector) Contacts(ctx context.Context) ([]domain.Contact, error) {
	return []domain.Contact{{ID: "5511@s.whatsapp.net"}}, nil
}

func (f *fakeConnector) Chats(ctx context.Context) ([]domain.Chat, error) { return nil, nil }
func (f *fakeConnector) QRCode() string                                  { return f.qr }

func (f *fakeConnector) ClearCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeConnector) counts() (starts, stops, clears, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.clears, f.sends
}

// namedConnector additionally reports a remote instance name.
type namedConnector struct {
	*fakeConnector
}

func (n namedConnector) InstanceID() string { return n.instance }

type fakeFactory struct {
	mu    sync.Mutex
	conns map[string][]*fakeConnector
	built int
	delay time.Duration // applied to Start and Stop of new connectors

	logMu sync.Mutex
	calls []string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: map[string][]*fakeConnector{}}
}

func (f *fakeFactory) New(ch domain.Channel) (domain.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeConnector(ch.Provider)
	c.seq, c.delay, c.record = f.built, f.delay, f.append
	f.built++
	f.conns[ch.ID] = append(f.conns[ch.ID], c)
	if ch.Provider == domain.ProviderEvolution {
		c.instance = "wagate-" + ch.ID
		return namedConnector{c}, nil
	}
	return c, nil
}

func (f *fakeFactory) append(call string) {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	f.calls = append(f.calls, call)
}

// callLog returns connector starts and stops in the order they happened.
func (f *fakeFactory) callLog() []string {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	return append([]string(nil), f.calls...)
}

// last returns the most recently built connector for id.
func (f *fakeFactory) last(id string) *fakeConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type statusWrite struct {
	Status domain.Status
	QR     *string
}

// memStore is an in-memory channel store.
type memStore struct {
	mu       sync.Mutex
	channels map[string]*domain.Channel
	writes   map[string][]statusWrite
}

func newMemStore(channels ...domain.Channel) *memStore {
	s := &memStore{channels: map[string]*domain.Channel{}, writes: map[string][]statusWrite{}}
	for i := range channels {
		ch := channels[i]
		s.channels[ch.ID] = &ch
	}
	return s
}

func (s *memStore) FindByID(ctx context.Context, id string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *memStore) FindByInstanceID(ctx context.Context, instanceID string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.InstanceID == instanceID && instanceID != "" {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, domain.ErrChannelNotFound
}

func (s *memStore) FindConnected(ctx context.Context) ([]domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Channel
	for _, ch := range s.channels {
		if ch.Status == domain.StatusConnected {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, status domain.Status, qr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return domain.ErrChannelNotFound
	}
	ch.Status = status
	if qr != nil {
		ch.QRCode = *qr
	}
	s.writes[id] = append(s.writes[id], statusWrite{Status: status, QR: qr})
	return nil
}

func (s *memStore) SetInstanceID(ctx context.Context, id, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[id]; ok {
		ch.InstanceID = instanceID
		return nil
	}
	return domain.ErrChannelNotFound
}

func (s *memStore) SetPhone(ctx context.Context, id, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[id]; ok {
		ch.Phone = phone
		return nil
	}
	return domain.ErrChannelNotFound
}

// statuses returns the statuses written for id, in order.
func (s *memStore) statuses(id string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Status
	for _, w := range s.writes[id] {
		out = append(out, w.Status)
	}
	return out
}

func (s *memStore) channel(id string) domain.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.channels[id]
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []domain.NormalizedMessage
	acks []domain.AckStatus
}

func (r *recordingSink) HandleMessage(ctx context.Context, channelID string, msg domain.NormalizedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingSink) HandleAck(ctx context.Context, channelID, messageID string, status domain.AckStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, status)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
