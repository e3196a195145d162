package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the longest text body any connector will attempt to send.
const MaxMessageLength = 4096

// MessageKind classifies a normalized message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindUnknown  MessageKind = "unknown"
)

// IsMedia reports whether messages of this kind carry a downloadable attachment.
func (k MessageKind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument, KindSticker:
		return true
	}
	return false
}

// MediaRef points at an attachment without carrying its bytes.
type MediaRef struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Size     uint64 `json:"size,omitempty"`
}

// NormalizedMessage is the provider-agnostic message record handed to the
// ticket/message collaborators.
type NormalizedMessage struct {
	ID            string      `json:"id"`
	RemoteID      string      `json:"remoteId"` // chat the message belongs to
	SenderID      string      `json:"senderId"` // participant in groups, RemoteID otherwise
	FromMe        bool        `json:"fromMe"`
	Timestamp     time.Time   `json:"timestamp"`
	Kind          MessageKind `json:"type"`
	Content       string      `json:"content"`
	Media         *MediaRef   `json:"media,omitempty"`
	IsGroup       bool        `json:"isGroup"`
	ParticipantID string      `json:"participantId,omitempty"`
	PushName      string      `json:"pushName,omitempty"`
	QuotedID      string      `json:"quotedId,omitempty"`
}

// AckStatus is the closed set of delivery states.
type AckStatus string

const (
	AckSent      AckStatus = "sent"
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
)

// Media is an outbound attachment. Exactly one of Data or URL is set.
type Media struct {
	Kind     MessageKind `json:"kind"`
	Data     []byte      `json:"data,omitempty"`
	URL      string      `json:"url,omitempty"`
	MimeType string      `json:"mimeType"`
	FileName string      `json:"fileName,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// Validate checks the attachment before any provider call.
func (m Media) Validate() error {
	switch m.Kind {
	case KindImage, KindVideo, KindAudio, KindDocument:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, m.Kind)
	}
	if len(m.Data) == 0 && m.URL == "" {
		return fmt.Errorf("%w: media has neither data nor url", ErrEmptyMessage)
	}
	if utf8.RuneCountInString(m.Caption) > MaxMessageLength {
		return fmt.Errorf("%w: caption exceeds %d characters", ErrMessageTooLong, MaxMessageLength)
	}
	return nil
}

// SendOptions are optional per-message send parameters.
type SendOptions struct {
	QuotedID string `json:"quotedId,omitempty"` // reply to this message
	// DelayMs asks providers that support it to show "typing" for this long.
	DelayMs int `json:"delayMs,omitempty"`
}

// SendReceipt is what a connector reports after a successful send.
type SendReceipt struct {
	ID        string    `json:"id"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SendResult is the registry's data-only send outcome.
type SendResult struct {
	Success   bool       `json:"success"`
	MessageID string     `json:"messageId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// BulkResult is one recipient's outcome inside a bulk send.
type BulkResult struct {
	To string `json:"to"`
	SendResult
}

// Contact is an address-book entry reported by a connector.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	PushName string `json:"pushName,omitempty"`
	IsGroup  bool   `json:"isGroup"`
}

// Chat is a conversation known to a connector.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount,omitempty"`
}

// ValidateText rejects empty or oversize bodies before any provider call.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageLength {
		return fmt.Errorf("%w: %d > %d characters", ErrMessageTooLong, n, MaxMessageLength)
	}
	return nil
}
