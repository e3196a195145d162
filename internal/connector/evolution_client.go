package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wagate/internal/clock"
	"wagate/internal/domain"
	"wagate/internal/retry"
)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 2048

// evolutionEvents are the webhook events an instance is asked to push.
var evolutionEvents = []string{"QRCODE_UPDATED", "CONNECTION_UPDATE", "MESSAGES_UPSERT", "MESSAGES_UPDATE"}

// evolutionClient is a thin client for the Evolution API v2 REST surface.
type evolutionClient struct {
	base   string
	apiKey string
	http   *http.Client
	clk    clock.Clock
	retry  retry.Policy
	logger *slog.Logger
}

func newEvolutionClient(base, apiKey string, hc *http.Client, clk clock.Clock, logger *slog.Logger) *evolutionClient {
	c := &evolutionClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   hc,
		clk:    clk,
		logger: logger,
	}
	c.retry = retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Backoff:     retry.Exponential,
		Jitter:      0.5,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn("retrying evolution request", "attempt", attempt, "backoff", delay, "error", err)
		},
	}
	return c
}

type evolutionInstance struct {
	Name       string `json:"name"`
	InstanceID string `json:"id"`
	Status     string `json:"connectionStatus"`
	OwnerJID   string `json:"ownerJid"`
	Profile    string `json:"profileName"`
}

type evolutionQR struct {
	Code   string `json:"code"`
	Base64 string `json:"base64"`
	Count  int    `json:"count"`
	// Instance is set instead of a QR when the instance is already open.
	Instance *struct {
		State string `json:"state"`
	} `json:"instance,omitempty"`
}

type evolutionSendResponse struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJID string `json:"remoteJid"`
	} `json:"key"`
	Status           string  `json:"status"`
	MessageTimestamp float64 `json:"messageTimestamp"`
}

type evolutionContact struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	PushName  string `json:"pushName"`
	Name      string `json:"name"`
}

// call performs one JSON request. Idempotent calls are retried on
// transient failures; sends are attempted once so a slow 5xx never
// duplicates a message.
func (c *evolutionClient) call(ctx context.Context, method, path string, body, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
	}

	policy := c.retry
	if !idempotent {
		policy.MaxAttempts = 1
	}
	op := method + " " + path
	return retry.Do(ctx, c.clk, policy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("apikey", c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: op, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return statusError(op, resp.StatusCode, data)
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
}

// statusError maps a non-2xx REST status onto the error taxonomy.
func statusError(op string, status int, body []byte) error {
	kind := domain.ErrSendFailed
	switch {
	case status == http.StatusTooManyRequests:
		kind = domain.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ErrAuthExpired
	case status == http.StatusNotFound:
		kind = domain.ErrSessionNotFound
	case status >= 500:
		kind = domain.ErrProviderUnavailable
	}
	var err error
	if msg := strings.TrimSpace(string(body)); msg != "" {
		err = errors.New(msg)
	}
	return &domain.ProviderError{Kind: kind, Op: op, Status: status, Err: err}
}

func (c *evolutionClient) fetchInstance(ctx context.Context, name string) (*evolutionInstance, error) {
	var list []evolutionInstance
	path := "/instance/fetchInstances?instanceName=" + url.QueryEscape(name)
	if err := c.call(ctx, http.MethodGet, path, nil, &list, true); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range list {
		if list[i].Name == name {
			return &list[i], nil
		}
	}
	return nil, nil
}

func (c *evolutionClient) createInstance(ctx context.Context, name, webhookURL string) error {
	body := map[string]any{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	if webhookURL != "" {
		body["webhook"] = map[string]any{
			"url":      webhookURL,
			"byEvents": false,
			"base64":   true,
			"events":   evolutionEvents,
		}
	}
	return c.call(ctx, http.MethodPost, "/instance/create", body, nil, true)
}

func (c *evolutionClient) connect(ctx context.Context, name string) (*evolutionQR, error) {
	var qr evolutionQR
	if err := c.call(ctx, http.MethodGet, "/instance/connect/"+url.PathEscape(name), nil, &qr, true); err != nil {
		return nil, err
	}
	return &qr, nil
}

func (c *evolutionClient) connectionState(ctx context.Context, name string) (string, error) {
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.call(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(name), nil, &out, true); err != nil {
		return "", err
	}
	return out.Instance.State, nil
}

func (c *evolutionClient) logout(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodDelete, "/instance/logout/"+url.PathEscape(name), nil, nil, true)
}

func (c *evolutionClient) sendText(ctx context.Context, name, number, text string, opts domain.SendOptions) (*evolutionSendResponse, error) {
	body := map[string]any{"number": number, "text": text}
	withOptions(body, opts)
	var out evolutionSendResponse
	if err := c.call(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(name), body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *evolutionClient) sendMedia(ctx context.Context, name, number string, body map[string]any, opts domain.SendOptions) (*evolutionSendResponse, error) {
	body["number"] = number
	withOptions(body, opts)
	var out evolutionSendResponse
	if err := c.call(ctx, http.MethodPost, "/message/sendMedia/"+url.PathEscape(name), body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *evolutionClient) findContacts(ctx context.Context, name string) ([]evolutionContact, error) {
	var out []evolutionContact
	err := c.call(ctx, http.MethodPost, "/chat/findContacts/"+url.PathEscape(name), map[string]any{"where": map[string]any{}}, &out, true)
	return out, err
}

func (c *evolutionClient) findChats(ctx context.Context, name string) ([]evolutionContact, error) {
	var out []evolutionContact
	err := c.call(ctx, http.MethodPost, "/chat/findChats/"+url.PathEscape(name), map[string]any{}, &out, true)
	return out, err
}

func withOptions(body map[string]any, opts domain.SendOptions) {
	if opts.DelayMs > 0 {
		body["delay"] = opts.DelayMs
	}
	if opts.QuotedID != "" {
		body["quoted"] = map[string]any{"key": map[string]any{"id": opts.QuotedID}}
	}
}
