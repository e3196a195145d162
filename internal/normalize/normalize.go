package normalize

import (
	"strings"

	"wagate/internal/domain"
)

type extractor struct {
	kind    domain.MessageKind
	match   func(*Content) bool
	content func(*Content) string
	media   func(*Content) *MediaMessage
	quoted  func(*Content) *ContextInfo
}

// kinds is walked in order; the first match wins.
var kinds = []extractor{
	{
		kind:    domain.KindText,
		match:   func(c *Content) bool { return c.Conversation != "" },
		content: func(c *Content) string { return c.Conversation },
	},
	{
		kind:    domain.KindText,
		match:   func(c *Content) bool { return c.ExtendedTextMessage != nil },
		content: func(c *Content) string { return c.ExtendedTextMessage.Text },
		quoted:  func(c *Content) *ContextInfo { return c.ExtendedTextMessage.ContextInfo },
	},
	mediaKind(domain.KindImage, "[Image]", func(c *Content) *MediaMessage { return c.ImageMessage }),
	mediaKind(domain.KindVideo, "[Video]", func(c *Content) *MediaMessage { return c.VideoMessage }),
	mediaKind(domain.KindAudio, "[Audio]", func(c *Content) *MediaMessage { return c.AudioMessage }),
	mediaKind(domain.KindDocument, "[Document]", func(c *Content) *MediaMessage { return c.DocumentMessage }),
	mediaKind(domain.KindSticker, "[Sticker]", func(c *Content) *MediaMessage { return c.StickerMessage }),
	{
		kind:  domain.KindLocation,
		match: func(c *Content) bool { return c.LocationMessage != nil },
		content: func(c *Content) string {
			return firstNonEmpty(c.LocationMessage.Name, c.LocationMessage.Address, "[Location]")
		},
	},
	{
		kind:    domain.KindContact,
		match:   func(c *Content) bool { return c.ContactMessage != nil },
		content: func(c *Content) string { return firstNonEmpty(c.ContactMessage.DisplayName, "[Contact]") },
	},
}

const unknownContent = "[Unsupported message]"

func mediaKind(kind domain.MessageKind, placeholder string, get func(*Content) *MediaMessage) extractor {
	return extractor{
		kind:  kind,
		match: func(c *Content) bool { return get(c) != nil },
		content: func(c *Content) string {
			m := get(c)
			if kind == domain.KindAudio || kind == domain.KindSticker {
				return placeholder
			}
			if kind == domain.KindDocument {
				return firstNonEmpty(m.Caption, m.FileName, placeholder)
			}
			return firstNonEmpty(m.Caption, placeholder)
		},
		media:  get,
		quoted: func(c *Content) *ContextInfo { return get(c).ContextInfo },
	}
}

// Normalize converts env into the canonical record. It reports false for
// messages that must not be surfaced: self-sent echoes and envelopes
// without an addressable chat.
func Normalize(env Envelope) (domain.NormalizedMessage, bool) {
	if env.FromMe || env.RemoteJID == "" {
		return domain.NormalizedMessage{}, false
	}

	remote := CanonicalJID(env.RemoteJID)
	msg := domain.NormalizedMessage{
		ID:        env.ID,
		RemoteID:  remote,
		SenderID:  remote,
		Timestamp: env.Timestamp,
		IsGroup:   domain.IsGroupJID(remote),
		PushName:  env.PushName,
		Kind:      domain.KindUnknown,
		Content:   unknownContent,
	}
	if env.Participant != "" {
		msg.ParticipantID = CanonicalJID(env.Participant)
		msg.SenderID = msg.ParticipantID
	}

	c := env.Content.unwrap()
	if c == nil {
		return msg, true
	}
	for _, ex := range kinds {
		if !ex.match(c) {
			continue
		}
		msg.Kind = ex.kind
		msg.Content = ex.content(c)
		if ex.media != nil {
			if m := ex.media(c); m != nil {
				msg.Media = &domain.MediaRef{
					URL:      m.URL,
					MimeType: m.Mimetype,
					FileName: m.FileName,
					Size:     uint64(m.FileLength),
				}
			}
		}
		if ex.quoted != nil {
			if ci := ex.quoted(c); ci != nil {
				msg.QuotedID = ci.StanzaID
			}
		}
		break
	}
	return msg, true
}

// CanonicalJID rewrites the legacy "@c.us" individual suffix to
// "@s.whatsapp.net" and drops any device suffix, so ids compare equal
// across providers.
func CanonicalJID(jid string) string {
	user, server, ok := strings.Cut(jid, "@")
	if !ok {
		return jid
	}
	if server == domain.LegacyServer {
		server = domain.UserServer
	}
	if server == domain.UserServer {
		user, _, _ = strings.Cut(user, ":")
	}
	return user + "@" + server
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
