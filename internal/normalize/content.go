// Package normalize turns provider payloads into domain.NormalizedMessage.
//
// Every provider converter produces an Envelope whose Content mirrors the
// WhatsApp message JSON shape; Normalize then runs one extraction table over
// it, so the same message normalizes identically whichever transport
// delivered it.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Envelope is a received message before normalization.
type Envelope struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	Participant string
	Timestamp   time.Time
	PushName    string
	Content     *Content
}

// Content carries the known message shapes. Field names follow the JSON
// encoding of the WhatsApp protobuf so webhook payloads decode directly.
type Content struct {
	Conversation        string               `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage        `json:"imageMessage,omitempty"`
	VideoMessage        *MediaMessage        `json:"videoMessage,omitempty"`
	AudioMessage        *MediaMessage        `json:"audioMessage,omitempty"`
	DocumentMessage     *MediaMessage        `json:"documentMessage,omitempty"`
	StickerMessage      *MediaMessage        `json:"stickerMessage,omitempty"`
	LocationMessage     *LocationMessage     `json:"locationMessage,omitempty"`
	ContactMessage      *ContactMessage      `json:"contactMessage,omitempty"`

	DocumentWithCaptionMessage *FutureProof `json:"documentWithCaptionMessage,omitempty"`
	EphemeralMessage           *FutureProof `json:"ephemeralMessage,omitempty"`
	ViewOnceMessage            *FutureProof `json:"viewOnceMessage,omitempty"`
	ViewOnceMessageV2          *FutureProof `json:"viewOnceMessageV2,omitempty"`
}

// FutureProof wraps another message, like the protobuf message of that name.
type FutureProof struct {
	Message *Content `json:"message,omitempty"`
}

type ContextInfo struct {
	StanzaID    string `json:"stanzaId,omitempty"`
	Participant string `json:"participant,omitempty"`
}

type ExtendedTextMessage struct {
	Text        string       `json:"text,omitempty"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

type MediaMessage struct {
	URL         string       `json:"url,omitempty"`
	Mimetype    string       `json:"mimetype,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	FileName    string       `json:"fileName,omitempty"`
	FileLength  Uint         `json:"fileLength,omitempty"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

type LocationMessage struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name,omitempty"`
	Address          string  `json:"address,omitempty"`
}

type ContactMessage struct {
	DisplayName string `json:"displayName,omitempty"`
	Vcard       string `json:"vcard,omitempty"`
}

// unwrap follows ephemeral/view-once/document-with-caption wrappers.
func (c *Content) unwrap() *Content {
	for i := 0; c != nil && i < 4; i++ {
		var inner *FutureProof
		switch {
		case c.EphemeralMessage != nil:
			inner = c.EphemeralMessage
		case c.ViewOnceMessage != nil:
			inner = c.ViewOnceMessage
		case c.ViewOnceMessageV2 != nil:
			inner = c.ViewOnceMessageV2
		case c.DocumentWithCaptionMessage != nil:
			inner = c.DocumentWithCaptionMessage
		default:
			return c
		}
		if inner.Message == nil {
			return c
		}
		c = inner.Message
	}
	return c
}

// Uint decodes a protobuf uint64, which JSON encoders emit as either a
// number or a decimal string.
type Uint uint64

func (u *Uint) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*u = 0
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil {
			return err
		}
		n = uint64(f)
	}
	*u = Uint(n)
	return nil
}

// Timestamp decodes unix seconds given as a number, a string, or a
// {"low":..,"high":..} long object as some Node encoders emit.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(b, &long); err != nil {
			return err
		}
		*t = Timestamp(long.High<<32 | long.Low&0xffffffff)
		return nil
	}
	var u Uint
	if err := u.UnmarshalJSON(b); err != nil {
		return err
	}
	*t = Timestamp(u)
	return nil
}

// Time converts to time.Time. Values above 1e12 are treated as milliseconds.
func (t Timestamp) Time() time.Time {
	switch {
	case t <= 0:
		return time.Time{}
	case t > 1e12:
		return time.UnixMilli(int64(t))
	}
	return time.Unix(int64(t), 0)
}
