package domain

import (
	"fmt"
	"strings"
)

// ProviderType selects which connector backs a channel.
type ProviderType string

const (
	// ProviderBaileys is the persistent multiplexed socket connector.
	ProviderBaileys ProviderType = "baileys"
	// ProviderEvolution is the polling+webhook REST connector.
	ProviderEvolution ProviderType = "evolution"
	// ProviderWebJS is the headless-browser automation connector.
	ProviderWebJS ProviderType = "webjs"
)

// Providers lists every supported provider in a stable order.
func Providers() []ProviderType {
	return []ProviderType{ProviderBaileys, ProviderEvolution, ProviderWebJS}
}

// Valid reports whether p is one of the known providers.
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderBaileys, ProviderEvolution, ProviderWebJS:
		return true
	}
	return false
}

func (p ProviderType) String() string { return string(p) }

// ParseProviderType maps a stored or user-supplied name onto a ProviderType.
// "whatsmeow" and "socket" are accepted as aliases of the socket provider,
// "wwebjs" as an alias of the browser provider.
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "baileys", "socket", "whatsmeow":
		return ProviderBaileys, nil
	case "evolution", "evolution-api":
		return ProviderEvolution, nil
	case "webjs", "wwebjs", "whatsapp-web.js":
		return ProviderWebJS, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}
