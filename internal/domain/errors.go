package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrAuthExpired          = errors.New("authentication expired")
	ErrTransientDisconnect  = errors.New("transient disconnect")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrSendFailed           = errors.New("send failed")
	ErrSessionNotFound      = errors.New("session not found")

	ErrChannelNotFound  = errors.New("channel not found")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrMessageTooLong   = errors.New("message too long")
	ErrNotConnected     = errors.New("session not connected")
)

// ProviderError describes a failed provider call. It unwraps to Kind, which
// is one of the sentinel errors above.
type ProviderError struct {
	Kind   error
	Op     string
	Status int // HTTP status, when the call was a REST call
	Err    error
}

func (e *ProviderError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify returns the taxonomy sentinel err belongs to, or ErrSendFailed
// when it matches none.
func Classify(err error) error {
	for _, kind := range []error{
		ErrAuthExpired, ErrRateLimited, ErrUnsupportedMediaType, ErrProviderUnavailable,
		ErrTransientDisconnect, ErrSessionNotFound, ErrInvalidRecipient, ErrEmptyMessage,
		ErrMessageTooLong, ErrNotConnected,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrSendFailed
}

// Retryable reports whether a failed call may succeed if repeated.
func Retryable(err error) bool {
	switch Classify(err) {
	case ErrProviderUnavailable, ErrTransientDisconnect, ErrRateLimited:
		return true
	}
	return false
}
