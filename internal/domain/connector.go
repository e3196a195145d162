package domain

import "context"

// Connector is the capability contract every provider adapter implements.
// Provider SDK handles stay behind it; the registry never sees them.
//
// Start may be called again after Stop or after a disconnect to reconnect.
// Events returns the same channel for the connector's whole lifetime.
type Connector interface {
	Provider() ProviderType
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, to, text string, opts SendOptions) (SendReceipt, error)
	SendMedia(ctx context.Context, to string, media Media, opts SendOptions) (SendReceipt, error)
	Contacts(ctx context.Context) ([]Contact, error)
	Chats(ctx context.Context) ([]Chat, error)
	// QRCode returns the last QR payload the connector saw, or "".
	QRCode() string
	// ClearCredentials removes any persisted pairing so the next Start
	// requires a fresh QR cycle.
	ClearCredentials(ctx context.Context) error
	Events() <-chan Event
}

// MessageSink receives normalized traffic for ticket/message persistence.
type MessageSink interface {
	HandleMessage(ctx context.Context, channelID string, msg NormalizedMessage)
	HandleAck(ctx context.Context, channelID, messageID string, status AckStatus)
}

// Instanced is implemented by connectors backed by a named remote instance.
// The registry stores the name so webhooks can be routed back to the channel.
type Instanced interface {
	InstanceID() string
}
