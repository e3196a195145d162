package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/clock"
	"wagate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEvolution is a minimal Evolution API server.
type fakeEvolution struct {
	mu        sync.Mutex
	instances map[string]string // name -> state
	failures  int               // 5xx responses to serve before succeeding
	calls     []string
	lastBody  map[string]any
}

func newFakeEvolution() *fakeEvolution {
	return &fakeEvolution{instances: map[string]string{}}
}

func (f *fakeEvolution) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	if r.Header.Get("apikey") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	var body map[string]any
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		json.Unmarshal(data, &body)
	}
	f.lastBody = body

	path := r.URL.Path
	switch {
	case path == "/instance/fetchInstances":
		name := r.URL.Query().Get("instanceName")
		state, ok := f.instances[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{{"name": name, "connectionStatus": state, "ownerJid": "5511999999999@s.whatsapp.net", "profileName": "Shop"}})
	case path == "/instance/create":
		f.instances[body["instanceName"].(string)] = "close"
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"instance":{"status":"created"}}`))
	case strings.HasPrefix(path, "/instance/connect/"):
		name := strings.TrimPrefix(path, "/instance/connect/")
		f.instances[name] = "connecting"
		w.Write([]byte(`{"code":"2@QRCODE","base64":"data:image/png;base64,AAA","count":1}`))
	case strings.HasPrefix(path, "/instance/connectionState/"):
		name := strings.TrimPrefix(path, "/instance/connectionState/")
		json.NewEncoder(w).Encode(map[string]any{"instance": map[string]any{"instanceName": name, "state": f.instances[name]}})
	case strings.HasPrefix(path, "/instance/logout/"):
		w.Write([]byte(`{"status":"SUCCESS"}`))
	case strings.HasPrefix(path, "/message/sendText/"), strings.HasPrefix(path, "/message/sendMedia/"):
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":{"id":"BAE5ID","remoteJid":"5511@s.whatsapp.net","fromMe":true},"status":"PENDING","messageTimestamp":1717171717}`))
	case strings.HasPrefix(path, "/chat/findContacts/"):
		w.Write([]byte(`[{"id":"c1","remoteJid":"5511888@s.whatsapp.net","pushName":"Ana"},{"id":"c2","remoteJid":"1203@g.us","pushName":""}]`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeEvolution) setState(name, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = state
}

func newTestEvolution(t *testing.T, srv *httptest.Server, clk clock.Clock) *Evolution {
	t.Helper()
	return NewEvolution(EvolutionConfig{
		ChannelID:      "ch1",
		InstancePrefix: "wagate-",
		APIBase:        srv.URL,
		APIKey:         "secret",
		WebhookURL:     "https://hooks.example.com/",
		PollInterval:   time.Second,
		HTTPClient:     srv.Client(),
		Clock:          clk,
		Logger:         testLogger(),
	})
}

func nextEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// --- Evolution ---

func TestEvolution_StartCreatesInstanceAndEmitsQR(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()

	e := newTestEvolution(t, srv, clock.NewFake(time.Unix(0, 0)))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(context.Background())

	if e.InstanceID() != "wagate-ch1" {
		t.Errorf("instance = %q", e.InstanceID())
	}
	ev, ok := nextEvent(t, e.Events()).(domain.QREvent)
	if !ok || ev.Code != "2@QRCODE" {
		t.Fatalf("expected qr event, got %#v", ev)
	}
	if e.QRCode() != "2@QRCODE" {
		t.Errorf("QRCode() = %q", e.QRCode())
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if _, ok := api.instances["wagate-ch1"]; !ok {
		t.Fatal("instance was not created")
	}
}

func TestEvolution_PollerEmitsOnlyOnChange(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	e := newTestEvolution(t, srv, clk)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, e.Events()) // qr

	api.setState("wagate-ch1", "open")
	clk.Advance(time.Second)
	if _, ok := nextEvent(t, e.Events()).(domain.ConnectedEvent); !ok {
		t.Fatal("expected connected event")
	}
	if e.QRCode() != "" {
		t.Error("qr should be cleared once open")
	}

	clk.Advance(time.Second) // still open
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event %#v", ev)
	default:
	}

	api.setState("wagate-ch1", "close")
	clk.Advance(time.Second)
	d, ok := nextEvent(t, e.Events()).(domain.DisconnectedEvent)
	if !ok || d.Reason != domain.ReasonClosed || d.Terminal {
		t.Fatalf("expected non-terminal close, got %#v", d)
	}
}

func TestEvolution_StopCancelsPoller(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	e := newTestEvolution(t, srv, clk)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.Stop(context.Background())
	if n := clk.Pending(); n != 0 {
		t.Fatalf("pending timers after stop = %d", n)
	}

	api.mu.Lock()
	before := len(api.calls)
	api.mu.Unlock()
	clk.Advance(10 * time.Second)
	api.mu.Lock()
	after := len(api.calls)
	api.mu.Unlock()
	if after != before {
		t.Errorf("poller called the API after stop: %d -> %d", before, after)
	}
}

func (f *fakeEvolution) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestEvolution_RestartKeepsOnePoller(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	e := newTestEvolution(t, srv, clk)
	for range 3 {
		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := clk.Pending(); n != 1 {
		t.Fatalf("pending timers after 3 starts = %d, want 1", n)
	}

	clk.Advance(time.Second)
	if n := api.count("GET /instance/connectionState/"); n != 1 {
		t.Errorf("state polls in one interval = %d, want 1", n)
	}

	e.Stop(context.Background())
	if n := clk.Pending(); n != 0 {
		t.Fatalf("pending timers after stop = %d", n)
	}
}

func TestEvolution_StalePollDoesNotRearm(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	e := newTestEvolution(t, srv, clk)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	stale := e.gen
	e.mu.Unlock()

	e.Stop(context.Background())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := api.count("GET /instance/connectionState/")
	e.pollOnce(stale)

	if n := clk.Pending(); n != 1 {
		t.Errorf("pending timers = %d, want 1", n)
	}
	if n := api.count("GET /instance/connectionState/"); n != before {
		t.Errorf("stale poll called the API")
	}
	e.Stop(context.Background())
}

func TestEvolution_StartAlreadyOpen(t *testing.T) {
	api := newFakeEvolution()
	api.instances["wagate-ch1"] = "open"
	srv := httptest.NewServer(api)
	defer srv.Close()

	e := newTestEvolution(t, srv, clock.NewFake(time.Unix(0, 0)))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())
	ev, ok := nextEvent(t, e.Events()).(domain.ConnectedEvent)
	if !ok || ev.Phone != "5511999999999" || ev.ProfileName != "Shop" {
		t.Fatalf("got %#v", ev)
	}
}

func TestEvolution_SendMessage(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()

	e := newTestEvolution(t, srv, clock.NewFake(time.Unix(0, 0)))
	r, err := e.SendMessage(context.Background(), "+55 (11) 8888 7777", "hello", domain.SendOptions{QuotedID: "Q1", DelayMs: 1200})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.ID != "BAE5ID" || r.Status != domain.AckSent {
		t.Errorf("receipt = %+v", r)
	}
	if r.Timestamp.Unix() != 1717171717 {
		t.Errorf("timestamp = %v", r.Timestamp)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.lastBody["number"] != "551188887777" {
		t.Errorf("number = %v", api.lastBody["number"])
	}
	if api.lastBody["delay"] != float64(1200) {
		t.Errorf("delay = %v", api.lastBody["delay"])
	}
	quoted, _ := api.lastBody["quoted"].(map[string]any)
	if key, _ := quoted["key"].(map[string]any); key["id"] != "Q1" {
		t.Errorf("quoted = %v", api.lastBody["quoted"])
	}
}

func TestEvolution_SendValidatesBeforeCall(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()
	e := newTestEvolution(t, srv, clock.NewFake(time.Unix(0, 0)))

	if _, err := e.SendMessage(context.Background(), "5511", "", domain.SendOptions{}); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Errorf("empty: %v", err)
	}
	long := strings.Repeat("x", domain.MaxMessageLength+1)
	if _, err := e.SendMessage(context.Background(), "5511", long, domain.SendOptions{}); !errors.Is(err, domain.ErrMessageTooLong) {
		t.Errorf("long: %v", err)
	}
	if _, err := e.SendMedia(context.Background(), "5511", domain.Media{Kind: domain.KindSticker, URL: "http://x"}, domain.SendOptions{}); !errors.Is(err, domain.ErrUnsupportedMediaType) {
		t.Errorf("sticker: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 0 {
		t.Errorf("provider was called: %v", api.calls)
	}
}

func TestEvolution_SendMediaEncodesData(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()
	e := newTestEvolution(t, srv, clock.NewFake(time.Unix(0, 0)))

	media := domain.Media{Kind: domain.KindDocument, Data: []byte("pdf"), MimeType: "application/pdf", FileName: "a.pdf", Caption: "invoice"}
	if _, err := e.SendMedia(context.Background(), "1203630-1234@g.us", media, domain.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	b := api.lastBody
	if b["number"] != "1203630-1234@g.us" || b["mediatype"] != "document" || b["media"] != "cGRm" || b["fileName"] != "a.pdf" {
		t.Errorf("body = %v", b)
	}
}

func TestEvolution_Contacts(t *testing.T) {
	api := newFakeEvolution()
	srv := httptest.NewServer(api)
	defer srv.Close()
	e := newTestEvolution(t, srv, clock.NewFake(time.Unix(0, 0)))

	list, err := e.Contacts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].PushName != "Ana" || list[0].IsGroup || !list[1].IsGroup {
		t.Errorf("contacts = %+v", list)
	}
}

// --- REST error mapping ---

func TestEvolutionClient_RetriesIdempotentCalls(t *testing.T) {
	api := newFakeEvolution()
	api.failures = 2
	api.instances["x"] = "open"
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newEvolutionClient(srv.URL, "secret", srv.Client(), clock.Real(), testLogger())
	c.retry.BaseDelay = time.Millisecond
	c.retry.Jitter = 0

	state, err := c.connectionState(context.Background(), "x")
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if state != "open" {
		t.Errorf("state = %q", state)
	}
}

func TestEvolutionClient_SendIsNotRetried(t *testing.T) {
	api := newFakeEvolution()
	api.failures = 1
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newEvolutionClient(srv.URL, "secret", srv.Client(), clock.Real(), testLogger())
	c.retry.BaseDelay = time.Millisecond

	_, err := c.sendText(context.Background(), "x", "5511", "hi", domain.SendOptions{})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Status != http.StatusBadGateway {
		t.Errorf("expected HTTP 502 provider error, got %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 {
		t.Errorf("calls = %v", api.calls)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{429, domain.ErrRateLimited},
		{401, domain.ErrAuthExpired},
		{404, domain.ErrSessionNotFound},
		{400, domain.ErrSendFailed},
		{503, domain.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		if err := statusError("op", tt.status, nil); !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
	}
}
