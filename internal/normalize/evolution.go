package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EvolutionMessage is one entry of an Evolution API messages.upsert payload.
type EvolutionMessage struct {
	Key struct {
		RemoteJID   string `json:"remoteJid"`
		FromMe      bool   `json:"fromMe"`
		ID          string `json:"id"`
		Participant string `json:"participant,omitempty"`
	} `json:"key"`
	PushName         string    `json:"pushName,omitempty"`
	Message          *Content  `json:"message,omitempty"`
	MessageType      string    `json:"messageType,omitempty"`
	MessageTimestamp Timestamp `json:"messageTimestamp,omitempty"`
}

// Envelope converts the Evolution entry into the shared envelope.
func (m EvolutionMessage) Envelope() Envelope {
	return Envelope{
		ID:          m.Key.ID,
		RemoteJID:   m.Key.RemoteJID,
		FromMe:      m.Key.FromMe,
		Participant: m.Key.Participant,
		Timestamp:   m.MessageTimestamp.Time(),
		PushName:    m.PushName,
		Content:     m.Message,
	}
}

// DecodeEvolutionMessages accepts either a single message object or an
// array of them, as messages.upsert may be batched.
func DecodeEvolutionMessages(data json.RawMessage) ([]EvolutionMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var batch []EvolutionMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("decode message batch: %w", err)
		}
		return batch, nil
	}
	var wrapped struct {
		Messages []EvolutionMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Messages) > 0 {
		return wrapped.Messages, nil
	}
	var one EvolutionMessage
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []EvolutionMessage{one}, nil
}

// EvolutionAck is one delivery update from messages.update.
type EvolutionAck struct {
	MessageID string
	Status    any
}

// DecodeEvolutionAcks understands both the v2 flat shape
// ({"keyId": "...", "status": "DELIVERY_ACK"}) and the v1 batched shape
// ([{"key": {...}, "update": {"status": 3}}]).
func DecodeEvolutionAcks(data json.RawMessage) ([]EvolutionAck, error) {
	type entry struct {
		KeyID     string `json:"keyId"`
		MessageID string `json:"messageId"`
		Key       struct {
			ID string `json:"id"`
		} `json:"key"`
		Status any `json:"status"`
		Update struct {
			Status any `json:"status"`
		} `json:"update"`
	}
	data = bytes.TrimSpace(data)
	var entries []entry
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode ack batch: %w", err)
		}
	} else {
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode ack: %w", err)
		}
		entries = []entry{e}
	}

	acks := make([]EvolutionAck, 0, len(entries))
	for _, e := range entries {
		id := firstNonEmpty(e.Key.ID, e.KeyID, e.MessageID)
		status := e.Status
		if status == nil {
			status = e.Update.Status
		}
		if id == "" || status == nil {
			continue
		}
		acks = append(acks, EvolutionAck{MessageID: id, Status: status})
	}
	return acks, nil
}
