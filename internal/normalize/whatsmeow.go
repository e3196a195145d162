package normalize

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// FromWhatsmeow converts a socket-delivered message event.
func FromWhatsmeow(evt *events.Message) Envelope {
	env := Envelope{
		ID:        evt.Info.ID,
		RemoteJID: evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		PushName:  evt.Info.PushName,
		Content:   FromProto(evt.Message),
	}
	if evt.Info.IsGroup {
		env.Participant = evt.Info.Sender.ToNonAD().String()
	}
	return env
}

// FromProto projects a waE2E.Message onto Content.
func FromProto(m *waE2E.Message) *Content {
	if m == nil {
		return nil
	}
	c := &Content{Conversation: m.GetConversation()}

	if ext := m.GetExtendedTextMessage(); ext != nil {
		c.ExtendedTextMessage = &ExtendedTextMessage{
			Text:        ext.GetText(),
			ContextInfo: contextInfo(ext.GetContextInfo()),
		}
	}
	if im := m.GetImageMessage(); im != nil {
		c.ImageMessage = &MediaMessage{
			URL: im.GetURL(), Mimetype: im.GetMimetype(), Caption: im.GetCaption(),
			FileLength: Uint(im.GetFileLength()), ContextInfo: contextInfo(im.GetContextInfo()),
		}
	}
	if vi := m.GetVideoMessage(); vi != nil {
		c.VideoMessage = &MediaMessage{
			URL: vi.GetURL(), Mimetype: vi.GetMimetype(), Caption: vi.GetCaption(),
			FileLength: Uint(vi.GetFileLength()), ContextInfo: contextInfo(vi.GetContextInfo()),
		}
	}
	if au := m.GetAudioMessage(); au != nil {
		c.AudioMessage = &MediaMessage{
			URL: au.GetURL(), Mimetype: au.GetMimetype(),
			FileLength: Uint(au.GetFileLength()), ContextInfo: contextInfo(au.GetContextInfo()),
		}
	}
	doc := m.GetDocumentMessage()
	if doc == nil {
		doc = m.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()
	}
	if doc != nil {
		c.DocumentMessage = &MediaMessage{
			URL: doc.GetURL(), Mimetype: doc.GetMimetype(), Caption: doc.GetCaption(),
			FileName: doc.GetFileName(), FileLength: Uint(doc.GetFileLength()),
			ContextInfo: contextInfo(doc.GetContextInfo()),
		}
	}
	if st := m.GetStickerMessage(); st != nil {
		c.StickerMessage = &MediaMessage{
			URL: st.GetURL(), Mimetype: st.GetMimetype(), FileLength: Uint(st.GetFileLength()),
		}
	}
	if loc := m.GetLocationMessage(); loc != nil {
		c.LocationMessage = &LocationMessage{
			DegreesLatitude:  loc.GetDegreesLatitude(),
			DegreesLongitude: loc.GetDegreesLongitude(),
			Name:             loc.GetName(),
			Address:          loc.GetAddress(),
		}
	}
	if ct := m.GetContactMessage(); ct != nil {
		c.ContactMessage = &ContactMessage{DisplayName: ct.GetDisplayName(), Vcard: ct.GetVcard()}
	}

	for _, wrapped := range []*waE2E.FutureProofMessage{
		m.GetEphemeralMessage(), m.GetViewOnceMessage(), m.GetViewOnceMessageV2(),
	} {
		if inner := wrapped.GetMessage(); inner != nil {
			return FromProto(inner)
		}
	}
	return c
}

func contextInfo(ci *waE2E.ContextInfo) *ContextInfo {
	if ci == nil || ci.GetStanzaID() == "" {
		return nil
	}
	return &ContextInfo{StanzaID: ci.GetStanzaID(), Participant: ci.GetParticipant()}
}
