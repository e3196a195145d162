package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"wagate/internal/domain"
	"wagate/internal/normalize"
)

// decoder turns one event payload into zero or more domain events.
type decoder func(data json.RawMessage) ([]domain.Event, error)

// Canonical event names. Evolution spells them QRCODE_UPDATED in bodies and
// qrcode-updated in per-event URLs; canonicalEvent folds both.
const (
	eventQRUpdated      = "qrcode.updated"
	eventConnection     = "connection.update"
	eventMessagesUpsert = "messages.upsert"
	eventMessagesUpdate = "messages.update"
	eventLogout         = "logout.instance"
)

var decoders = map[string]decoder{
	eventQRUpdated:      decodeQR,
	eventConnection:     decodeConnection,
	eventMessagesUpsert: decodeMessages,
	eventMessagesUpdate: decodeAcks,
	eventLogout:         decodeLogout,
}

func canonicalEvent(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", ".", "-", ".").Replace(name)
}

func decodeQR(data json.RawMessage) ([]domain.Event, error) {
	var p struct {
		QRCode struct {
			Code   string `json:"code"`
			Base64 string `json:"base64"`
		} `json:"qrcode"`
		Code   string `json:"code"`
		Base64 string `json:"base64"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode qr: %w", err)
	}
	code := firstNonEmpty(p.QRCode.Code, p.Code, p.QRCode.Base64, p.Base64)
	if code == "" {
		return nil, nil
	}
	return []domain.Event{domain.QREvent{Code: code, Source: domain.SourceWebhook}}, nil
}

// statusLoggedOut is the statusReason Evolution reports when the phone
// removed the linked device.
const statusLoggedOut = 401

func decodeConnection(data json.RawMessage) ([]domain.Event, error) {
	var p struct {
		State        string `json:"state"`
		StatusReason int    `json:"statusReason"`
		WUID         string `json:"wuid"`
		ProfileName  string `json:"profileName"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode connection update: %w", err)
	}
	switch strings.ToLower(p.State) {
	case "open":
		return []domain.Event{domain.ConnectedEvent{
			Phone:       domain.UserPart(p.WUID),
			ProfileName: p.ProfileName,
			Source:      domain.SourceWebhook,
		}}, nil
	case "close":
		if p.StatusReason == statusLoggedOut {
			return []domain.Event{domain.DisconnectedEvent{
				Reason:   domain.ReasonLoggedOut,
				Terminal: true,
				Err:      domain.ErrAuthExpired,
				Source:   domain.SourceWebhook,
			}}, nil
		}
		return []domain.Event{domain.DisconnectedEvent{Reason: domain.ReasonClosed, Source: domain.SourceWebhook}}, nil
	default:
		// "connecting" is driven by the registry itself.
		return nil, nil
	}
}

func decodeMessages(data json.RawMessage) ([]domain.Event, error) {
	batch, err := normalize.DecodeEvolutionMessages(data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(batch))
	for _, m := range batch {
		msg, ok := normalize.Normalize(m.Envelope())
		if !ok {
			continue
		}
		out = append(out, domain.MessageEvent{Message: msg, Source: domain.SourceWebhook})
	}
	return out, nil
}

func decodeAcks(data json.RawMessage) ([]domain.Event, error) {
	acks, err := normalize.DecodeEvolutionAcks(data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(acks))
	for _, a := range acks {
		status, ok := normalize.AckFromCode(a.Status)
		if !ok {
			continue
		}
		out = append(out, domain.AckEvent{MessageID: a.MessageID, Status: status, Source: domain.SourceWebhook})
	}
	return out, nil
}

func decodeLogout(json.RawMessage) ([]domain.Event, error) {
	return []domain.Event{domain.DisconnectedEvent{
		Reason:   domain.ReasonLoggedOut,
		Terminal: true,
		Err:      domain.ErrAuthExpired,
		Source:   domain.SourceWebhook,
	}}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
