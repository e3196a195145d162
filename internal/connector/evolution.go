package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"wagate/internal/clock"
	"wagate/internal/domain"
	"wagate/internal/normalize"
)

// Evolution states reported by /instance/connectionState.
const (
	evolutionOpen       = "open"
	evolutionClose      = "close"
	evolutionConnecting = "connecting"
)

// Evolution drives a named instance on an Evolution API server. It has no
// socket in-process: connection changes arrive through the webhook router
// and through a status poller.
type Evolution struct {
	channelID  string
	instance   string
	webhookURL string
	pollEvery  time.Duration
	api        *evolutionClient
	clk        clock.Clock
	logger     *slog.Logger
	events     *emitter

	mu      sync.Mutex
	running bool
	state   string
	qr      string
	poll    clock.Timer
	gen     int // bumped by Start and Stop; a poll from an older run does not re-arm
}

type EvolutionConfig struct {
	ChannelID string
	// Instance is the remote instance name. Empty derives it from
	// InstancePrefix and ChannelID.
	Instance       string
	InstancePrefix string
	APIBase        string
	APIKey         string
	// WebhookURL is the public base URL of this process; the instance is
	// configured to post to <WebhookURL>/webhooks/evolution.
	WebhookURL   string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Clock        clock.Clock
	Logger       *slog.Logger
}

func NewEvolution(cfg EvolutionConfig) *Evolution {
	instance := cfg.Instance
	if instance == "" {
		instance = cfg.InstancePrefix + cfg.ChannelID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	logger := cfg.Logger.With("provider", domain.ProviderEvolution, "channel", cfg.ChannelID, "instance", instance)
	var hook string
	if cfg.WebhookURL != "" {
		hook = strings.TrimRight(cfg.WebhookURL, "/") + "/webhooks/evolution"
	}
	return &Evolution{
		channelID:  cfg.ChannelID,
		instance:   instance,
		webhookURL: hook,
		pollEvery:  cfg.PollInterval,
		api:        newEvolutionClient(cfg.APIBase, cfg.APIKey, cfg.HTTPClient, cfg.Clock, logger),
		clk:        cfg.Clock,
		logger:     logger,
		events:     newEmitter(logger),
	}
}

func (e *Evolution) Provider() domain.ProviderType { return domain.ProviderEvolution }
func (e *Evolution) Events() <-chan domain.Event    { return e.events.events() }

// InstanceID returns the remote instance name the webhook router keys on.
func (e *Evolution) InstanceID() string { return e.instance }

func (e *Evolution) QRCode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qr
}

// Start makes sure the instance exists, asks it to connect and starts the
// status poller. Calling Start on a running connector replaces the poller.
func (e *Evolution) Start(ctx context.Context) error {
	inst, err := e.api.fetchInstance(ctx, e.instance)
	if err != nil {
		return err
	}
	if inst == nil {
		if err := e.api.createInstance(ctx, e.instance, e.webhookURL); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}
		e.logger.Info("evolution instance created")
	}

	if inst != nil && inst.Status == evolutionOpen {
		e.setState(evolutionOpen)
		e.events.emit(domain.ConnectedEvent{Phone: domain.UserPart(inst.OwnerJID), ProfileName: inst.Profile})
	} else {
		qr, err := e.api.connect(ctx, e.instance)
		if err != nil {
			return fmt.Errorf("connect instance: %w", err)
		}
		e.applyQR(qr)
	}

	e.mu.Lock()
	e.running = true
	e.gen++
	if e.poll != nil {
		e.poll.Stop()
	}
	e.schedulePollLocked(e.gen)
	e.mu.Unlock()
	return nil
}

func (e *Evolution) applyQR(qr *evolutionQR) {
	if qr.Instance != nil && qr.Instance.State == evolutionOpen {
		e.setState(evolutionOpen)
		e.events.emit(domain.ConnectedEvent{})
		return
	}
	code := qrPayload(qr.Code, qr.Base64)
	if code == "" {
		return
	}
	e.mu.Lock()
	e.qr = code
	e.state = evolutionConnecting
	e.mu.Unlock()
	e.events.emit(domain.QREvent{Code: code})
}

// qrPayload prefers the raw pairing string, which the QR renderer can
// encode, over the pre-rendered data URL.
func qrPayload(code, b64 string) string {
	if code != "" {
		return code
	}
	return b64
}

func (e *Evolution) setState(state string) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed = e.state != state
	e.state = state
	if state == evolutionOpen {
		e.qr = ""
	}
	return changed
}

func (e *Evolution) schedulePollLocked(gen int) {
	if !e.running || gen != e.gen {
		return
	}
	e.poll = e.clk.AfterFunc(e.pollEvery, func() { e.pollOnce(gen) })
}

func (e *Evolution) pollOnce(gen int) {
	e.mu.Lock()
	current := e.running && gen == e.gen
	e.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.pollEvery)
	state, err := e.api.connectionState(ctx, e.instance)
	cancel()
	if err != nil {
		e.logger.Warn("evolution state poll failed", "error", err)
	} else if e.setState(state) {
		e.ObserveState(state, "")
	}

	e.mu.Lock()
	e.schedulePollLocked(gen)
	e.mu.Unlock()
}

// ObserveState emits the canonical event for an Evolution connection state.
// It is used by the poller after a change is detected.
func (e *Evolution) ObserveState(state, reason string) {
	switch state {
	case evolutionOpen:
		e.events.emit(domain.ConnectedEvent{})
	case evolutionClose:
		if reason == "" {
			reason = domain.ReasonClosed
		}
		e.events.emit(domain.DisconnectedEvent{Reason: reason, Terminal: domain.IsTerminalReason(reason)})
	case evolutionConnecting:
	default:
		e.logger.Debug("unknown evolution state", "state", state)
	}
}

func (e *Evolution) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.gen++
	if e.poll != nil {
		e.poll.Stop()
		e.poll = nil
	}
	e.qr = ""
	e.state = ""
	return nil
}

// ClearCredentials logs the instance out so the next start pairs again.
func (e *Evolution) ClearCredentials(ctx context.Context) error {
	err := e.api.logout(ctx, e.instance)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return fmt.Errorf("logout instance: %w", err)
	}
	e.mu.Lock()
	e.qr = ""
	e.mu.Unlock()
	e.logger.Info("evolution instance logged out")
	return nil
}

func evolutionNumber(to string) (string, error) {
	r, err := domain.ParseRecipient(to)
	if err != nil {
		return "", err
	}
	if r.Group {
		return r.JID(domain.UserServer), nil
	}
	return r.ID, nil
}

func (e *Evolution) SendMessage(ctx context.Context, to, text string, opts domain.SendOptions) (domain.SendReceipt, error) {
	if err := domain.ValidateText(text); err != nil {
		return domain.SendReceipt{}, err
	}
	number, err := evolutionNumber(to)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	resp, err := e.api.sendText(ctx, e.instance, number, text, opts)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	return e.receipt(resp), nil
}

func (e *Evolution) SendMedia(ctx context.Context, to string, media domain.Media, opts domain.SendOptions) (domain.SendReceipt, error) {
	if err := media.Validate(); err != nil {
		return domain.SendReceipt{}, err
	}
	number, err := evolutionNumber(to)
	if err != nil {
		return domain.SendReceipt{}, err
	}

	body := map[string]any{"mediatype": string(media.Kind)}
	if media.URL != "" {
		body["media"] = media.URL
	} else {
		body["media"] = base64.StdEncoding.EncodeToString(media.Data)
	}
	if media.MimeType != "" {
		body["mimetype"] = media.MimeType
	}
	if media.Caption != "" {
		body["caption"] = media.Caption
	}
	if media.FileName != "" {
		body["fileName"] = media.FileName
	}
	resp, err := e.api.sendMedia(ctx, e.instance, number, body, opts)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	return e.receipt(resp), nil
}

func (e *Evolution) receipt(resp *evolutionSendResponse) domain.SendReceipt {
	ts := e.clk.Now()
	if resp.MessageTimestamp > 0 {
		ts = normalize.Timestamp(resp.MessageTimestamp).Time()
	}
	status, ok := normalize.AckFromCode(resp.Status)
	if !ok {
		status = domain.AckSent
	}
	return domain.SendReceipt{ID: resp.Key.ID, Status: status, Timestamp: ts}
}

func (e *Evolution) Contacts(ctx context.Context) ([]domain.Contact, error) {
	list, err := e.api.findContacts(ctx, e.instance)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Contact, 0, len(list))
	for _, c := range list {
		jid := firstJID(c)
		if jid == "" {
			continue
		}
		out = append(out, domain.Contact{
			ID:       normalize.CanonicalJID(jid),
			Name:     c.Name,
			PushName: c.PushName,
			IsGroup:  domain.IsGroupJID(jid),
		})
	}
	return out, nil
}

func (e *Evolution) Chats(ctx context.Context) ([]domain.Chat, error) {
	list, err := e.api.findChats(ctx, e.instance)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chat, 0, len(list))
	for _, c := range list {
		jid := firstJID(c)
		if jid == "" {
			continue
		}
		name := c.Name
		if name == "" {
			name = c.PushName
		}
		out = append(out, domain.Chat{ID: normalize.CanonicalJID(jid), Name: name, IsGroup: domain.IsGroupJID(jid)})
	}
	return out, nil
}

func firstJID(c evolutionContact) string {
	if c.RemoteJID != "" {
		return c.RemoteJID
	}
	if strings.Contains(c.ID, "@") {
		return c.ID
	}
	return ""
}

var _ domain.Connector = (*Evolution)(nil)
