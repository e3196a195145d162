package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wagate/internal/domain"
)

func TestNormalize_DropsFromMe(t *testing.T) {
	_, ok := Normalize(Envelope{ID: "1", RemoteJID: "5511@s.whatsapp.net", FromMe: true, Content: &Content{Conversation: "hi"}})
	if ok {
		t.Error("self-sent message should be discarded")
	}
}

func TestNormalize_GroupSender(t *testing.T) {
	msg, ok := Normalize(Envelope{
		ID:          "1",
		RemoteJID:   "120363000000@g.us",
		Participant: "5511999999999@c.us",
		Content:     &Content{Conversation: "hello"},
	})
	if !ok {
		t.Fatal("expected message")
	}
	if !msg.IsGroup {
		t.Error("expected group")
	}
	if msg.SenderID != "5511999999999@s.whatsapp.net" {
		t.Errorf("sender = %q", msg.SenderID)
	}
	if msg.RemoteID != "120363000000@g.us" {
		t.Errorf("remote = %q", msg.RemoteID)
	}
}

func TestNormalize_PlaceholdersAndPriority(t *testing.T) {
	tests := []struct {
		name    string
		content *Content
		kind    domain.MessageKind
		text    string
	}{
		{"plain", &Content{Conversation: "hi"}, domain.KindText, "hi"},
		{"extended", &Content{ExtendedTextMessage: &ExtendedTextMessage{Text: "quoted"}}, domain.KindText, "quoted"},
		{"image no caption", &Content{ImageMessage: &MediaMessage{}}, domain.KindImage, "[Image]"},
		{"image caption", &Content{ImageMessage: &MediaMessage{Caption: "look"}}, domain.KindImage, "look"},
		{"video", &Content{VideoMessage: &MediaMessage{}}, domain.KindVideo, "[Video]"},
		{"audio", &Content{AudioMessage: &MediaMessage{}}, domain.KindAudio, "[Audio]"},
		{"document filename", &Content{DocumentMessage: &MediaMessage{FileName: "a.pdf"}}, domain.KindDocument, "a.pdf"},
		{"sticker", &Content{StickerMessage: &MediaMessage{}}, domain.KindSticker, "[Sticker]"},
		{"location", &Content{LocationMessage: &LocationMessage{}}, domain.KindLocation, "[Location]"},
		{"contact", &Content{ContactMessage: &ContactMessage{DisplayName: "Ana"}}, domain.KindContact, "Ana"},
		{"unknown", &Content{}, domain.KindUnknown, unknownContent},
		{"nil", nil, domain.KindUnknown, unknownContent},
		{"text wins over image", &Content{Conversation: "t", ImageMessage: &MediaMessage{}}, domain.KindText, "t"},
		{"ephemeral", &Content{EphemeralMessage: &FutureProof{Message: &Content{Conversation: "e"}}}, domain.KindText, "e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Normalize(Envelope{ID: "1", RemoteJID: "5511@s.whatsapp.net", Content: tt.content})
			if !ok {
				t.Fatal("expected message")
			}
			if msg.Kind != tt.kind || msg.Content != tt.text {
				t.Errorf("got (%s, %q), want (%s, %q)", msg.Kind, msg.Content, tt.kind, tt.text)
			}
		})
	}
}

func TestNormalize_SameMessageAcrossProviders(t *testing.T) {
	evoJSON := `{
		"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "ABC"},
		"pushName": "Ana",
		"message": {"imageMessage": {"caption": "receipt", "mimetype": "image/jpeg", "fileLength": "2048"}},
		"messageTimestamp": 1700000000
	}`
	evo, err := DecodeEvolutionMessages(json.RawMessage(evoJSON))
	if err != nil || len(evo) != 1 {
		t.Fatalf("decode: %v (%d)", err, len(evo))
	}

	web := WebJSMessage{
		ID: "ABC", From: "5511999999999@c.us", Type: "image", Caption: "receipt",
		MimeType: "image/jpeg", FileSize: 2048, Timestamp: 1700000000, NotifyName: "Ana",
	}

	wm := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("5511999999999", types.DefaultUserServer),
				Sender: types.NewJID("5511999999999", types.DefaultUserServer),
			},
			ID:        "ABC",
			PushName:  "Ana",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:    proto.String("receipt"),
			Mimetype:   proto.String("image/jpeg"),
			FileLength: proto.Uint64(2048),
		}},
	}

	a, okA := Normalize(evo[0].Envelope())
	b, okB := Normalize(web.Envelope())
	c, okC := Normalize(FromWhatsmeow(wm))
	if !okA || !okB || !okC {
		t.Fatal("all three should normalize")
	}
	for _, m := range []domain.NormalizedMessage{b, c} {
		if m.Kind != a.Kind || m.Content != a.Content || m.RemoteID != a.RemoteID || m.SenderID != a.SenderID {
			t.Errorf("mismatch: %+v vs %+v", m, a)
		}
		if !m.Timestamp.Equal(a.Timestamp) {
			t.Errorf("timestamp %v vs %v", m.Timestamp, a.Timestamp)
		}
		if m.Media == nil || m.Media.Size != 2048 || m.Media.MimeType != "image/jpeg" {
			t.Errorf("media = %+v", m.Media)
		}
	}
}

func TestNormalize_SameTextAcrossProviders(t *testing.T) {
	evo, _ := DecodeEvolutionMessages(json.RawMessage(`{"key":{"remoteJid":"55@s.whatsapp.net","id":"1"},"message":{"conversation":"oi"}}`))
	web := WebJSMessage{ID: "1", From: "55@c.us", Type: "chat", Body: "oi"}
	wm := FromProto(&waE2E.Message{Conversation: proto.String("oi")})

	a, _ := Normalize(evo[0].Envelope())
	b, _ := Normalize(web.Envelope())
	c, _ := Normalize(Envelope{ID: "1", RemoteJID: "55@s.whatsapp.net", Content: wm})
	if a.Content != "oi" || b.Content != a.Content || c.Content != a.Content {
		t.Errorf("content mismatch: %q %q %q", a.Content, b.Content, c.Content)
	}
	if a.Kind != domain.KindText || b.Kind != a.Kind || c.Kind != a.Kind {
		t.Errorf("kind mismatch: %s %s %s", a.Kind, b.Kind, c.Kind)
	}
}

func TestDecodeEvolutionMessages_BatchFiltersFromMe(t *testing.T) {
	raw := `[
		{"key": {"remoteJid": "5511@s.whatsapp.net", "fromMe": false, "id": "in"}, "message": {"conversation": "hi"}},
		{"key": {"remoteJid": "5511@s.whatsapp.net", "fromMe": true, "id": "out"}, "message": {"conversation": "echo"}}
	]`
	batch, err := DecodeEvolutionMessages(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var kept []domain.NormalizedMessage
	for _, m := range batch {
		if msg, ok := Normalize(m.Envelope()); ok {
			kept = append(kept, msg)
		}
	}
	if len(kept) != 1 || kept[0].ID != "in" {
		t.Errorf("kept = %+v", kept)
	}
}

func TestTimestamp_Decode(t *testing.T) {
	for _, raw := range []string{`1700000000`, `"1700000000"`, `{"low":1700000000,"high":0}`} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if ts.Time().Unix() != 1700000000 {
			t.Errorf("%s: got %v", raw, ts.Time())
		}
	}
}

func TestCanonicalJID(t *testing.T) {
	cases := map[string]string{
		"5511@c.us":             "5511@s.whatsapp.net",
		"5511:3@s.whatsapp.net": "5511@s.whatsapp.net",
		"1203-1600@g.us":        "1203-1600@g.us",
		"noserver":              "noserver",
	}
	for in, want := range cases {
		if got := CanonicalJID(in); got != want {
			t.Errorf("CanonicalJID(%q) = %q, want %q", in, got, want)
		}
	}
}
