package connector

import (
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wagate/internal/domain"
)

func onlyEvent(t *testing.T, evs []domain.Event) domain.Event {
	t.Helper()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1: %#v", len(evs), evs)
	}
	return evs[0]
}

func TestMapSocketEvent_Connected(t *testing.T) {
	ev, ok := onlyEvent(t, mapSocketEvent(&events.Connected{}, socketSelf{phone: "5511999999999", name: "Shop"})).(domain.ConnectedEvent)
	if !ok || ev.Phone != "5511999999999" || ev.ProfileName != "Shop" {
		t.Fatalf("got %#v", ev)
	}
}

func TestMapSocketEvent_Disconnects(t *testing.T) {
	tests := []struct {
		name     string
		evt      any
		reason   string
		terminal bool
		kind     error
	}{
		{"network drop", &events.Disconnected{}, domain.ReasonNetwork, false, nil},
		{"stream replaced", &events.StreamReplaced{}, domain.ReasonReplaced, false, nil},
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, domain.ReasonLoggedOut, true, domain.ErrAuthExpired},
		{"connect failure logged out", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, domain.ReasonLoggedOut, true, domain.ErrAuthExpired},
		{"connect failure device gone", &events.ConnectFailure{Reason: events.ConnectFailureMainDeviceGone}, domain.ReasonLoggedOut, true, domain.ErrAuthExpired},
		{"connect failure transient", &events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, domain.ReasonNetwork, false, domain.ErrTransientDisconnect},
		{"temporary ban", &events.TemporaryBan{Expire: time.Hour}, reasonTemporaryBan, false, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := onlyEvent(t, mapSocketEvent(tt.evt, socketSelf{})).(domain.DisconnectedEvent)
			if !ok {
				t.Fatal("expected disconnected event")
			}
			if d.Reason != tt.reason || d.Terminal != tt.terminal {
				t.Errorf("got (%q, terminal=%v), want (%q, terminal=%v)", d.Reason, d.Terminal, tt.reason, tt.terminal)
			}
			if tt.kind != nil && !errors.Is(d.Err, tt.kind) {
				t.Errorf("err = %v, want %v", d.Err, tt.kind)
			}
			if tt.kind == nil && d.Err != nil {
				t.Errorf("unexpected err %v", d.Err)
			}
		})
	}
}

func TestMapSocketEvent_Receipts(t *testing.T) {
	tests := []struct {
		typ  types.ReceiptType
		want domain.AckStatus
		n    int
	}{
		{types.ReceiptTypeDelivered, domain.AckDelivered, 2},
		{types.ReceiptTypeRead, domain.AckRead, 2},
		{types.ReceiptTypePlayed, domain.AckRead, 2},
		{types.ReceiptTypeSender, "", 0},
	}
	for _, tt := range tests {
		evs := mapSocketEvent(&events.Receipt{Type: tt.typ, MessageIDs: []types.MessageID{"A", "B"}}, socketSelf{})
		if len(evs) != tt.n {
			t.Fatalf("receipt %q: got %d events, want %d", tt.typ, len(evs), tt.n)
		}
		for i, ev := range evs {
			ack := ev.(domain.AckEvent)
			if ack.Status != tt.want || ack.MessageID != []string{"A", "B"}[i] {
				t.Errorf("receipt %q: got %+v", tt.typ, ack)
			}
		}
	}
}

func TestMapSocketEvent_Message(t *testing.T) {
	jid := types.NewJID("5511999999999", types.DefaultUserServer)
	msg := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid, Sender: jid},
			ID:            "M1",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}
	ev, ok := onlyEvent(t, mapSocketEvent(msg, socketSelf{})).(domain.MessageEvent)
	if !ok || ev.Message.Content != "hello" || ev.Message.Kind != domain.KindText {
		t.Fatalf("got %#v", ev)
	}

	msg.Info.IsFromMe = true
	if evs := mapSocketEvent(msg, socketSelf{}); len(evs) != 0 {
		t.Errorf("self-sent message should map to nothing, got %#v", evs)
	}
}

func TestMapSocketEvent_Unmapped(t *testing.T) {
	for _, evt := range []any{&events.PairSuccess{}, &events.HistorySync{}, "not an event"} {
		if evs := mapSocketEvent(evt, socketSelf{}); len(evs) != 0 {
			t.Errorf("%T mapped to %#v", evt, evs)
		}
	}
}
