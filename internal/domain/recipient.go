package domain

import (
	"fmt"
	"strings"
)

// JID server suffixes of the WhatsApp addressing convention.
const (
	UserServer   = "s.whatsapp.net"
	LegacyServer = "c.us"
	GroupServer  = "g.us"
	LIDServer    = "lid"
)

// Recipient is a parsed "to" address.
type Recipient struct {
	ID    string // digits for individuals, opaque id for groups
	Group bool
}

// ParseRecipient disambiguates an individual "<digits>" from a group id.
// Full JIDs ("...@g.us", "...@s.whatsapp.net", "...@c.us") are honoured;
// bare ids containing '-' (legacy "creator-timestamp" groups) or longer than
// the 15-digit E.164 maximum are treated as groups.
func ParseRecipient(to string) (Recipient, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return Recipient{}, fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	if user, server, ok := strings.Cut(to, "@"); ok {
		if user == "" {
			return Recipient{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
		}
		switch server {
		case GroupServer:
			return Recipient{ID: user, Group: true}, nil
		case UserServer, LegacyServer, LIDServer:
			user, _, _ = strings.Cut(user, ":") // drop device suffix
			return Recipient{ID: user}, nil
		}
		return Recipient{}, fmt.Errorf("%w: unknown server %q", ErrInvalidRecipient, server)
	}
	if strings.Contains(to, "-") {
		return Recipient{ID: to, Group: true}, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		if r == '+' || r == ' ' || r == '(' || r == ')' || r == '.' {
			return -1
		}
		return 'x'
	}, to)
	if digits == "" || strings.ContainsRune(digits, 'x') {
		return Recipient{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	if len(digits) > 15 {
		return Recipient{ID: digits, Group: true}, nil
	}
	return Recipient{ID: digits}, nil
}

// JID formats r with the given individual server suffix.
func (r Recipient) JID(userServer string) string {
	if r.Group {
		return r.ID + "@" + GroupServer
	}
	return r.ID + "@" + userServer
}

// IsGroupJID reports whether a remote identifier addresses a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

// UserPart strips the server and device suffix from a JID.
func UserPart(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
