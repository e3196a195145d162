package alert

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"

	"wagate/internal/bus"
	"wagate/internal/clock"
	"wagate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) got() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

// --- Dispatcher ---

func TestDispatcher_FromBusEvents(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(Config{Notifiers: []Notifier{n}, Logger: testLogger()})
	eb := bus.NewEventBus(testLogger())
	d.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventSessionAuthExpired, Payload: map[string]any{
		"channel": "ch1", "provider": "baileys", "error": "logged_out",
	}})
	eb.Emit(bus.Event{Type: bus.EventReconnectExhausted, Payload: map[string]any{
		"channel": "ch2", "provider": "evolution", "attempts": 3,
	}})
	eb.Emit(bus.Event{Type: bus.EventSessionStatus, Payload: map[string]any{"channel": "ch3"}})
	d.Wait()

	got := n.got()
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(got))
	}
	kinds := map[string]Kind{}
	for _, a := range got {
		kinds[a.Channel] = a.Kind
	}
	if kinds["ch1"] != KindAuthExpired || kinds["ch2"] != KindReconnectExhausted {
		t.Errorf("unexpected kinds %v", kinds)
	}
}

func TestDispatcher_Dedupe(t *testing.T) {
	n := &recordingNotifier{}
	clk := clock.NewFake(time.Unix(1700000000, 0))
	d := NewDispatcher(Config{Notifiers: []Notifier{n}, DedupeWindow: time.Minute, Clock: clk, Logger: testLogger()})

	a := Alert{Kind: KindAuthExpired, Channel: "ch1", Provider: "baileys"}
	if !d.Raise(a) {
		t.Fatal("first alert should be sent")
	}
	if d.Raise(a) {
		t.Error("repeat within window should be suppressed")
	}
	if !d.Raise(Alert{Kind: KindReconnectExhausted, Channel: "ch1"}) {
		t.Error("different kind should not be suppressed")
	}
	if !d.Raise(Alert{Kind: KindAuthExpired, Channel: "ch2"}) {
		t.Error("different channel should not be suppressed")
	}

	clk.Advance(time.Minute)
	if !d.Raise(a) {
		t.Error("alert after window should be sent")
	}
	d.Wait()
	if got := len(n.got()); got != 4 {
		t.Errorf("delivered %d alerts, want 4", got)
	}
}

func TestDispatcher_NoNotifiers(t *testing.T) {
	d := NewDispatcher(Config{Logger: testLogger()})
	if d.Raise(Alert{Kind: KindAuthExpired, Channel: "ch1"}) {
		t.Error("expected no send without notifiers")
	}
}

func TestDispatcher_FailingNotifierDoesNotBlockOthers(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("boom")}
	good := &recordingNotifier{}
	d := NewDispatcher(Config{Notifiers: []Notifier{bad, good}, Logger: testLogger()})

	d.Raise(Alert{Kind: KindAuthExpired, Channel: "ch1"})
	d.Wait()
	if len(good.got()) != 1 {
		t.Error("second notifier should still receive the alert")
	}
}

func TestAlert_Text(t *testing.T) {
	a := Alert{Kind: KindAuthExpired, Channel: "ch1", Provider: "webjs", Detail: "logged_out"}
	text := a.Text()
	for _, want := range []string{"ch1", "webjs", "QR", "logged_out"} {
		if !strings.Contains(text, want) {
			t.Errorf("text %q missing %q", text, want)
		}
	}
}

// --- Notifiers ---

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	fail map[int64]bool
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if b.fail[msg.ChatID] {
		return tgbotapi.Message{}, errors.New("Forbidden: bot was blocked by the user")
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func TestTelegram_NotifyEveryChat(t *testing.T) {
	bot := &fakeBot{fail: map[int64]bool{222: true}}
	tg := &Telegram{bot: bot, chatIDs: []int64{111, 222, 333}}

	err := tg.Notify(context.Background(), Alert{Kind: KindAuthExpired, Channel: "ch1"})
	if err == nil || !strings.Contains(err.Error(), "chat 222") {
		t.Errorf("expected error naming chat 222, got %v", err)
	}
	if len(bot.sent) != 2 || bot.sent[0].ChatID != 111 || bot.sent[1].ChatID != 333 {
		t.Errorf("unexpected sends %+v", bot.sent)
	}
	if !strings.Contains(bot.sent[0].Text, "ch1") {
		t.Errorf("text = %q", bot.sent[0].Text)
	}
}

func TestParseChatIDs(t *testing.T) {
	ids, err := parseChatIDs(config.FlexStringList{"123", "-100456"})
	if err != nil || len(ids) != 2 || ids[1] != -100456 {
		t.Errorf("ids=%v err=%v", ids, err)
	}
	if _, err := parseChatIDs(nil); err == nil {
		t.Error("expected error for empty list")
	}
	if _, err := parseChatIDs([]string{"abc"}); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestSlack_Notify(t *testing.T) {
	var (
		mu      sync.Mutex
		channel string
		text    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		channel, text = r.FormValue("channel"), r.FormValue("text")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlack(config.SlackConfig{BotToken: "xoxb-test", ChannelID: "C1"}, slack.OptionAPIURL(srv.URL+"/"))
	if err := s.Notify(context.Background(), Alert{Kind: KindReconnectExhausted, Channel: "ch9", Provider: "evolution"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if channel != "C1" || !strings.Contains(text, "ch9") {
		t.Errorf("channel=%q text=%q", channel, text)
	}
}

type fakeDiscord struct {
	channel, content string
	options          int
}

func (f *fakeDiscord) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.content, f.options = channelID, content, len(options)
	return &discordgo.Message{ID: "1"}, nil
}

func TestDiscord_Notify(t *testing.T) {
	fake := &fakeDiscord{}
	d := &Discord{session: fake, channel: "987"}
	if err := d.Notify(context.Background(), Alert{Kind: KindAuthExpired, Channel: "ch1"}); err != nil {
		t.Fatal(err)
	}
	if fake.channel != "987" || !strings.Contains(fake.content, "ch1") || fake.options != 1 {
		t.Errorf("unexpected send %+v", fake)
	}
}

func TestFromConfig(t *testing.T) {
	if n := FromConfig(config.AlertsConfig{Slack: config.SlackConfig{Enabled: true}}, testLogger()); len(n) != 0 {
		t.Error("disabled alerts should build nothing")
	}
	cfg := config.AlertsConfig{
		Enabled: true,
		Slack:   config.SlackConfig{Enabled: true, BotToken: "xoxb", ChannelID: "C1"},
		Discord: config.DiscordConfig{Enabled: true, Token: "t", ChannelID: "1"},
	}
	n := FromConfig(cfg, testLogger())
	if len(n) != 2 || n[0].Name() != "slack" || n[1].Name() != "discord" {
		t.Errorf("unexpected notifiers %v", n)
	}
}
