package domain

// Status is the canonical connection status shared by every provider.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRPending    Status = "qr_pending"
	StatusConnected    Status = "connected"
	// StatusError is momentary: the registry records it and then settles
	// on disconnected.
	StatusError Status = "error"
	// StatusNotFound is only reported by status queries for unknown channels;
	// it is never stored.
	StatusNotFound Status = "not_found"
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is a storable lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusQRPending, StatusConnected, StatusError:
		return true
	}
	return false
}

// SessionStatus is the answer to a status query.
type SessionStatus struct {
	Status      Status `json:"status"`
	IsConnected bool   `json:"isConnected"`
	HasQRCode   bool   `json:"hasQRCode"`
}

// Stats summarizes every live session in a registry. Connecting includes
// sessions waiting for a QR scan; Disconnected includes error.
type Stats struct {
	Total        int                  `json:"total"`
	Connected    int                  `json:"connected"`
	Connecting   int                  `json:"connecting"`
	Disconnected int                  `json:"disconnected"`
	ByProvider   map[ProviderType]int `json:"byProvider"`
}
