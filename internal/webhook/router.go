// Package webhook ingests provider pushed events and feeds them into the
// session registry through the same handlers native connector events use.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

const defaultMaxBody = 1 << 20

// Dispatcher receives the decoded events. *session.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelID string, ev domain.Event)
}

// Config configures the Router.
type Config struct {
	Store      domain.ChannelStore
	Dispatcher Dispatcher
	Events     *bus.EventBus // optional
	Secret     string        // HMAC-SHA256 key for X-Signature-256
	APIKey     string        // expected "apikey" header or body field
	// MaxBodyBytes caps request bodies; 0 means 1 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Router resolves the target channel of each webhook and dispatches its
// events.
type Router struct {
	store    domain.ChannelStore
	dispatch Dispatcher
	events   *bus.EventBus
	secret   string
	apiKey   string
	maxBody  int64
	logger   *slog.Logger
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	return &Router{
		store:    cfg.Store,
		dispatch: cfg.Dispatcher,
		events:   cfg.Events,
		secret:   cfg.Secret,
		apiKey:   cfg.APIKey,
		maxBody:  cfg.MaxBodyBytes,
		logger:   cfg.Logger,
	}
}

// RegisterHTTP mounts the webhook endpoints on r.
func (rt *Router) RegisterHTTP(r chi.Router) {
	r.Post("/webhooks/evolution", rt.handleEvolution)
	r.Post("/webhooks/evolution/{event}", rt.handleEvolution)
	r.Post("/webhooks/{channelID}", rt.handleChannel)
}

// payload is the envelope shared by every provider: an event name plus
// event specific data. Evolution adds the instance name and its api key.
type payload struct {
	Event    string          `json:"event"`
	Type     string          `json:"type"`
	Instance string          `json:"instance"`
	APIKey   string          `json:"apikey"`
	Data     json.RawMessage `json:"data"`
}

func (p payload) name() string {
	if p.Event != "" {
		return p.Event
	}
	return p.Type
}

func (rt *Router) handleEvolution(w http.ResponseWriter, r *http.Request) {
	p, ok := rt.read(w, r)
	if !ok {
		return
	}
	if ev := chi.URLParam(r, "event"); ev != "" {
		p.Event = ev
	}
	if p.Instance == "" {
		writeError(w, http.StatusBadRequest, "instance is required")
		return
	}
	ch, err := rt.store.FindByInstanceID(r.Context(), p.Instance)
	if !rt.resolved(w, err, "instance", p.Instance) {
		return
	}
	rt.route(r.Context(), w, ch, p)
}

func (rt *Router) handleChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := rt.read(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "channelID")
	ch, err := rt.store.FindByID(r.Context(), id)
	if !rt.resolved(w, err, "channel", id) {
		return
	}
	rt.route(r.Context(), w, ch, p)
}

// read enforces the body limit and both authentication schemes.
func (rt *Router) read(w http.ResponseWriter, r *http.Request) (payload, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		} else {
			writeError(w, http.StatusBadRequest, "cannot read body")
		}
		return payload{}, false
	}

	if rt.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			writeError(w, http.StatusUnauthorized, "missing signature")
			return payload{}, false
		}
		if !verifyHMAC(body, rt.secret, sig) {
			writeError(w, http.StatusForbidden, "invalid signature")
			return payload{}, false
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return payload{}, false
	}

	if rt.apiKey != "" {
		key := r.Header.Get("apikey")
		if key == "" {
			key = p.APIKey
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(rt.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return payload{}, false
		}
	}
	return p, true
}

func (rt *Router) resolved(w http.ResponseWriter, err error, kind, key string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrChannelNotFound):
		rt.logger.Warn("webhook for unknown channel", kind, key)
		writeError(w, http.StatusNotFound, "channel not found")
	default:
		rt.logger.Error("webhook channel lookup failed", kind, key, "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
	}
	return false
}

func (rt *Router) route(ctx context.Context, w http.ResponseWriter, ch *domain.Channel, p payload) {
	name := canonicalEvent(p.name())
	dec, ok := decoders[name]
	if !ok {
		rt.logger.Debug("ignoring webhook event", "channel", ch.ID, "event", p.name())
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	evs, err := dec(p.Data)
	if err != nil {
		rt.logger.Warn("webhook payload rejected", "channel", ch.ID, "event", name, "err", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	for _, ev := range evs {
		rt.dispatch.Dispatch(ctx, ch.ID, ev)
	}

	rt.logger.Debug("webhook received", "channel", ch.ID, "event", name, "events", len(evs))
	if rt.events != nil {
		rt.events.Emit(bus.Event{
			Type:   bus.EventWebhookReceived,
			Source: "webhook",
			Payload: map[string]any{
				"channel":  ch.ID,
				"provider": string(ch.Provider),
				"event":    name,
				"count":    len(evs),
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "events": len(evs)})
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
