package normalize

// WebJSMessage is the message projection the browser bridge serializes out of
// whatsapp-web.js (a subset of its Message model).
type WebJSMessage struct {
	ID         string  `json:"id"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Author     string  `json:"author,omitempty"`
	FromMe     bool    `json:"fromMe"`
	Type       string  `json:"type"`
	Body       string  `json:"body"` // text of chat messages only; media bodies are thumbnails
	Caption    string  `json:"caption,omitempty"`
	Timestamp  int64   `json:"timestamp"`
	NotifyName string  `json:"notifyName,omitempty"`
	HasQuoted  bool    `json:"hasQuotedMsg,omitempty"`
	QuotedID   string  `json:"quotedId,omitempty"`
	MimeType   string  `json:"mimetype,omitempty"`
	FileName   string  `json:"filename,omitempty"`
	FileSize   uint64  `json:"size,omitempty"`
	MediaURL   string  `json:"mediaUrl,omitempty"`
	Location   string  `json:"loc,omitempty"`
	Latitude   float64 `json:"lat,omitempty"`
	Longitude  float64 `json:"lng,omitempty"`
	VCard      string  `json:"vcard,omitempty"`
}

// Envelope maps the whatsapp-web.js type vocabulary onto the shared
// Content shape.
func (m WebJSMessage) Envelope() Envelope {
	remote := m.From
	if m.FromMe {
		remote = m.To
	}
	var ctx *ContextInfo
	if m.QuotedID != "" {
		ctx = &ContextInfo{StanzaID: m.QuotedID}
	}
	media := func(caption string) *MediaMessage {
		return &MediaMessage{
			URL:         m.MediaURL,
			Mimetype:    m.MimeType,
			Caption:     caption,
			FileName:    m.FileName,
			FileLength:  Uint(m.FileSize),
			ContextInfo: ctx,
		}
	}
	c := &Content{}
	switch m.Type {
	case "chat":
		if ctx != nil {
			c.ExtendedTextMessage = &ExtendedTextMessage{Text: m.Body, ContextInfo: ctx}
		} else {
			c.Conversation = m.Body
		}
	case "image":
		c.ImageMessage = media(m.Caption)
	case "video":
		c.VideoMessage = media(m.Caption)
	case "audio", "ptt":
		c.AudioMessage = media("")
	case "document":
		c.DocumentMessage = media(m.Caption)
	case "sticker":
		c.StickerMessage = media("")
	case "location":
		c.LocationMessage = &LocationMessage{DegreesLatitude: m.Latitude, DegreesLongitude: m.Longitude, Name: m.Location}
	case "vcard", "multi_vcard":
		c.ContactMessage = &ContactMessage{DisplayName: m.Caption, Vcard: firstNonEmpty(m.VCard, m.Body)}
	default:
		c = nil
	}

	return Envelope{
		ID:          m.ID,
		RemoteJID:   remote,
		FromMe:      m.FromMe,
		Participant: m.Author,
		Timestamp:   Timestamp(m.Timestamp).Time(),
		PushName:    m.NotifyName,
		Content:     c,
	}
}
