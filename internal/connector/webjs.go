package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wagate/internal/clock"
	"wagate/internal/domain"
	"wagate/internal/normalize"
)

// maxPageFailures is how many consecutive failed page reads end the session.
const maxPageFailures = 3

// browserSignal is one queued client event from the page script.
type browserSignal struct {
	Type     string                  `json:"type"`
	QR       string                  `json:"qr,omitempty"`
	Phone    string                  `json:"phone,omitempty"`
	PushName string                  `json:"pushName,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Message  *normalize.WebJSMessage `json:"message,omitempty"`
	ID       string                  `json:"id,omitempty"`
	Ack      int                     `json:"ack,omitempty"`
}

// mapBrowserSignal translates the whatsapp-web.js client vocabulary onto
// connection events. It reports false for signals with no canonical event.
func mapBrowserSignal(sig browserSignal) (domain.Event, bool) {
	switch sig.Type {
	case "qr":
		if sig.QR == "" {
			return nil, false
		}
		return domain.QREvent{Code: sig.QR}, true
	case "ready":
		return domain.ConnectedEvent{Phone: domain.UserPart(sig.Phone), ProfileName: sig.PushName}, true
	case "auth_failure":
		return domain.DisconnectedEvent{
			Reason:   domain.ReasonAuthFailure,
			Terminal: true,
			Err:      fmt.Errorf("%w: %s", domain.ErrAuthExpired, sig.Reason),
		}, true
	case "disconnected":
		reason := strings.ToLower(sig.Reason)
		if reason == "" {
			reason = domain.ReasonClosed
		}
		return domain.DisconnectedEvent{Reason: reason, Terminal: domain.IsTerminalReason(reason)}, true
	case "message":
		if sig.Message == nil {
			return nil, false
		}
		msg, ok := normalize.Normalize(sig.Message.Envelope())
		if !ok {
			return nil, false
		}
		return domain.MessageEvent{Message: msg}, true
	case "message_ack":
		status, ok := normalize.AckFromWebJS(sig.Ack)
		if !ok || sig.ID == "" {
			return nil, false
		}
		return domain.AckEvent{MessageID: sig.ID, Status: status}, true
	}
	return nil, false
}

// WebJS runs WhatsApp Web in a headless browser and polls an injected page
// script for client events.
type WebJS struct {
	channelID  string
	profileDir string
	pollEvery  time.Duration
	page       browserPage
	http       *http.Client
	clk        clock.Clock
	logger     *slog.Logger
	events     *emitter

	mu       sync.Mutex
	running  bool
	poll     clock.Timer
	gen      int
	qr       string
	failures int
}

type WebJSConfig struct {
	ChannelID    string
	ProfileDir   string // parent directory; each channel gets a sub-directory
	ExecPath     string
	URL          string
	Headless     bool
	PollInterval time.Duration
	HTTPClient   *http.Client
	Clock        clock.Clock
	Logger       *slog.Logger
}

func NewWebJS(cfg WebJSConfig) *WebJS {
	logger := cfg.Logger.With("provider", domain.ProviderWebJS, "channel", cfg.ChannelID)
	profile := filepath.Join(cfg.ProfileDir, cfg.ChannelID)
	return newWebJS(cfg, profile, newChromePage(profile, cfg.ExecPath, cfg.URL, cfg.Headless, logger), logger)
}

func newWebJS(cfg WebJSConfig, profile string, page browserPage, logger *slog.Logger) *WebJS {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &WebJS{
		channelID:  cfg.ChannelID,
		profileDir: profile,
		pollEvery:  cfg.PollInterval,
		page:       page,
		http:       cfg.HTTPClient,
		clk:        cfg.Clock,
		logger:     logger,
		events:     newEmitter(logger),
	}
}

func (w *WebJS) Provider() domain.ProviderType { return domain.ProviderWebJS }
func (w *WebJS) Events() <-chan domain.Event    { return w.events.events() }

func (w *WebJS) QRCode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.qr
}

func (w *WebJS) Start(ctx context.Context) error {
	if err := w.page.open(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.failures = 0
	w.gen++
	w.schedulePollLocked(w.gen)
	return nil
}

func (w *WebJS) schedulePollLocked(gen int) {
	if w.running && gen == w.gen {
		w.poll = w.clk.AfterFunc(w.pollEvery, func() { w.pollOnce(gen) })
	}
}

// pollOnce returns without re-arming when Stop ran since gen was scheduled.
func (w *WebJS) pollOnce(gen int) {
	w.mu.Lock()
	if !w.running || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	signals, err := w.page.readSignals(ctx)
	cancel()

	w.mu.Lock()
	if !w.running || gen != w.gen {
		w.mu.Unlock()
		return
	}
	if err != nil {
		w.failures++
		w.logger.Warn("browser page read failed", "error", err, "failures", w.failures)
		if w.failures >= maxPageFailures {
			w.running = false
			w.mu.Unlock()
			w.page.close()
			w.events.emit(domain.DisconnectedEvent{Reason: domain.ReasonNetwork, Err: err})
			return
		}
	} else {
		w.failures = 0
	}
	w.schedulePollLocked(gen)
	w.mu.Unlock()

	for _, sig := range signals {
		w.handleSignal(sig)
	}
}

func (w *WebJS) handleSignal(sig browserSignal) {
	switch sig.Type {
	case "qr":
		w.mu.Lock()
		w.qr = sig.QR
		w.mu.Unlock()
	case "ready":
		w.mu.Lock()
		w.qr = ""
		w.mu.Unlock()
	case "authenticated":
		w.logger.Info("browser session authenticated")
	}
	if ev, ok := mapBrowserSignal(sig); ok {
		w.events.emit(ev)
	}
}

func (w *WebJS) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.running = false
	w.gen++
	if w.poll != nil {
		w.poll.Stop()
		w.poll = nil
	}
	w.qr = ""
	w.mu.Unlock()
	w.page.close()
	return nil
}

// ClearCredentials closes the browser and removes its profile, which holds
// the WhatsApp Web login.
func (w *WebJS) ClearCredentials(ctx context.Context) error {
	w.Stop(ctx)
	if err := os.RemoveAll(w.profileDir); err != nil {
		return fmt.Errorf("remove browser profile: %w", err)
	}
	w.logger.Info("browser profile cleared", "dir", w.profileDir)
	return nil
}

func webPhone(to string) (string, error) {
	r, err := domain.ParseRecipient(to)
	if err != nil {
		return "", err
	}
	if r.Group {
		return "", fmt.Errorf("%w: browser connector addresses individuals only", domain.ErrInvalidRecipient)
	}
	return r.ID, nil
}

func (w *WebJS) receipt() domain.SendReceipt {
	return domain.SendReceipt{ID: uuid.NewString(), Status: domain.AckSent, Timestamp: w.clk.Now()}
}

func (w *WebJS) SendMessage(ctx context.Context, to, text string, opts domain.SendOptions) (domain.SendReceipt, error) {
	if err := domain.ValidateText(text); err != nil {
		return domain.SendReceipt{}, err
	}
	phone, err := webPhone(to)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	if err := w.page.sendText(ctx, phone, text); err != nil {
		return domain.SendReceipt{}, err
	}
	return w.receipt(), nil
}

func (w *WebJS) SendMedia(ctx context.Context, to string, media domain.Media, opts domain.SendOptions) (domain.SendReceipt, error) {
	if err := media.Validate(); err != nil {
		return domain.SendReceipt{}, err
	}
	phone, err := webPhone(to)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	data, _, err := mediaBytes(ctx, w.http, media)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	path, err := writeTempMedia(filepath.Join(w.profileDir, "outbox"), data, media.FileName)
	if err != nil {
		return domain.SendReceipt{}, &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "stage media", Err: err}
	}
	defer os.Remove(path)

	if err := w.page.sendFile(ctx, phone, path, media.Caption); err != nil {
		return domain.SendReceipt{}, err
	}
	return w.receipt(), nil
}

func (w *WebJS) Contacts(ctx context.Context) ([]domain.Contact, error) {
	entries, err := w.page.list(ctx, "contacts")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Contact, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.Contact{
			ID:       normalize.CanonicalJID(e.ID),
			Name:     e.Name,
			PushName: e.PushName,
			IsGroup:  e.IsGroup || domain.IsGroupJID(e.ID),
		})
	}
	return out, nil
}

func (w *WebJS) Chats(ctx context.Context) ([]domain.Chat, error) {
	entries, err := w.page.list(ctx, "chats")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chat, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.Chat{
			ID:      normalize.CanonicalJID(e.ID),
			Name:    e.Name,
			IsGroup: e.IsGroup || domain.IsGroupJID(e.ID),
		})
	}
	return out, nil
}

var _ domain.Connector = (*WebJS)(nil)
