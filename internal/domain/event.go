package domain

import "strings"

// Event is the tagged union every connector emits. The concrete types are
// QREvent, ConnectedEvent, DisconnectedEvent, MessageEvent, AckEvent and
// ErrorEvent; no other type satisfies Event.
type Event interface {
	eventTag() string
}

// EventSource tells the registry how an event reached it.
type EventSource int

const (
	SourceNative  EventSource = iota // emitted by the connector itself
	SourceWebhook                    // pushed by the provider over HTTP
)

type QREvent struct {
	Code   string
	Source EventSource
}

type ConnectedEvent struct {
	Phone       string
	ProfileName string
	Source      EventSource
}

type DisconnectedEvent struct {
	Reason string
	// Terminal is set by connectors that know the reason invalidated the
	// stored credentials. The registry also consults IsTerminalReason.
	Terminal bool
	Err      error
	Source   EventSource
}

type MessageEvent struct {
	Message NormalizedMessage
	Source  EventSource
}

type AckEvent struct {
	MessageID string
	Status    AckStatus
	Source    EventSource
}

type ErrorEvent struct {
	Err    error
	Source EventSource
}

// Canonical event tags.
const (
	TagQR           = "qr"
	TagConnected    = "connected"
	TagDisconnected = "disconnected"
	TagMessage      = "message"
	TagMessageAck   = "messageAck"
	TagError        = "error"
)

func (QREvent) eventTag() string           { return TagQR }
func (ConnectedEvent) eventTag() string    { return TagConnected }
func (DisconnectedEvent) eventTag() string { return TagDisconnected }
func (MessageEvent) eventTag() string      { return TagMessage }
func (AckEvent) eventTag() string          { return TagMessageAck }
func (ErrorEvent) eventTag() string        { return TagError }

// EventTag returns the canonical tag name of ev.
func EventTag(ev Event) string { return ev.eventTag() }

// Canonical disconnect reasons. Connectors map their native vocabulary onto these.
const (
	ReasonLoggedOut   = "logged_out"
	ReasonAuthFailure = "auth_failure"
	ReasonNetwork     = "network"
	ReasonClosed      = "close"
	ReasonReplaced    = "stream_replaced"
	ReasonStopped     = "stopped"
	ReasonQRTimeout   = "qr_timeout"
	ReasonQRExhausted = "qr_exhausted"
	ReasonStartFailed = "start_failed"
)

// IsTerminalReason reports whether a disconnect reason means the stored
// credentials are no longer valid and a fresh pairing is required.
func IsTerminalReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case ReasonLoggedOut, ReasonAuthFailure, "loggedout", "logout", "unpaired",
		"unpaired_idle", "401", "conflict":
		return true
	}
	return false
}

// InboundMessage is a normalized message tagged with the channel it arrived on.
type InboundMessage struct {
	ChannelID string            `json:"channelId"`
	Message   NormalizedMessage `json:"message"`
}
