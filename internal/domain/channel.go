package domain

import (
	"context"
	"time"
)

// Channel is the persisted record of one communication channel. The HTTP
// layer creates and deletes it; the session registry mutates its status.
type Channel struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	UserID     string       `json:"userId,omitempty"`
	Provider   ProviderType `json:"provider"`
	Status     Status       `json:"status"`
	QRCode     string       `json:"qrCode,omitempty"`
	InstanceID string       `json:"instanceId,omitempty"` // provider-side instance name
	Phone      string       `json:"phone,omitempty"`
	LastSyncAt time.Time    `json:"lastSyncAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// ChannelStore is the persistence collaborator used by the registry and
// the webhook router. Lookups return ErrChannelNotFound for unknown ids.
type ChannelStore interface {
	FindByID(ctx context.Context, id string) (*Channel, error)
	FindByInstanceID(ctx context.Context, instanceID string) (*Channel, error)
	// FindConnected returns every channel whose last known status is connected.
	FindConnected(ctx context.Context) ([]Channel, error)
	// UpdateStatus stores status and, when qrCode is non-nil, the QR column.
	// A non-nil empty string clears the stored QR.
	UpdateStatus(ctx context.Context, id string, status Status, qrCode *string) error
	SetInstanceID(ctx context.Context, id, instanceID string) error
	SetPhone(ctx context.Context, id, phone string) error
}
