package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"wagate/internal/domain"
)

// browserPage is the slice of a browser tab the WebJS connector needs.
type browserPage interface {
	open(ctx context.Context) error
	readSignals(ctx context.Context) ([]browserSignal, error)
	sendText(ctx context.Context, phone, text string) error
	sendFile(ctx context.Context, phone, path, caption string) error
	list(ctx context.Context, what string) ([]browserEntry, error)
	close()
}

// browserEntry is a contact or chat serialized by the page script.
type browserEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PushName string `json:"pushname"`
	IsGroup  bool   `json:"isGroup"`
}

// pageSelectors are the WhatsApp Web DOM hooks used for sending.
type pageSelectors struct {
	Send      string
	Attach    string
	FileInput string
	Caption   string
	SendMedia string
}

var webSelectors = pageSelectors{
	Send:      `span[data-icon="send"]`,
	Attach:    `span[data-icon="plus"], span[data-icon="attach-menu-plus"]`,
	FileInput: `input[type="file"]`,
	Caption:   `div[aria-placeholder="Add a caption"]`,
	SendMedia: `div[aria-label="Send"], span[data-icon="wds-ic-send-filled"]`,
}

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// chromePage drives one WhatsApp Web tab with its own persistent profile.
type chromePage struct {
	profileDir string
	headless   bool
	execPath   string
	baseURL    string
	logger     *slog.Logger

	mu     sync.Mutex // one CDP action at a time
	ctx    context.Context
	cancel context.CancelFunc
}

func newChromePage(profileDir, execPath, baseURL string, headless bool, logger *slog.Logger) *chromePage {
	return &chromePage{
		profileDir: profileDir,
		headless:   headless,
		execPath:   execPath,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

func (p *chromePage) open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return nil
	}
	if err := os.MkdirAll(p.profileDir, 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(p.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if p.execPath != "" {
		opts = append(opts, chromedp.ExecPath(p.execPath))
	}
	if p.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	// The browser outlives the Start call, so it hangs off a background context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		taskCancel()
		allocCancel()
	}

	runCtx, stop := context.WithTimeout(taskCtx, 60*time.Second)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate(p.baseURL), chromedp.WaitReady("body")); err != nil {
		cancel()
		return &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "open browser", Err: err}
	}
	p.ctx, p.cancel = taskCtx, cancel
	p.logger.Info("browser page opened", "url", p.baseURL, "profile", p.profileDir)
	return nil
}

func (p *chromePage) tab() (context.Context, error) {
	if p.ctx == nil {
		return nil, domain.ErrNotConnected
	}
	if err := p.ctx.Err(); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ErrTransientDisconnect, Op: "browser", Err: err}
	}
	return p.ctx, nil
}

func (p *chromePage) readSignals(ctx context.Context) ([]browserSignal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, err := p.tab()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := joinContext(tab, ctx, 15*time.Second)
	defer cancel()

	var raw string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(signalScript, &raw)); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ErrTransientDisconnect, Op: "read signals", Err: err}
	}
	var signals []browserSignal
	if err := json.Unmarshal([]byte(raw), &signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return signals, nil
}

func (p *chromePage) openChat(ctx context.Context, phone, text string) error {
	q := url.Values{"phone": {phone}}
	if text != "" {
		q.Set("text", text)
	}
	return chromedp.Run(ctx,
		chromedp.Navigate(p.baseURL+"/send?"+q.Encode()),
		chromedp.WaitReady("body"),
	)
}

func (p *chromePage) sendText(ctx context.Context, phone, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, err := p.tab()
	if err != nil {
		return err
	}
	runCtx, cancel := joinContext(tab, ctx, 60*time.Second)
	defer cancel()

	if err := p.openChat(runCtx, phone, text); err != nil {
		return &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "open chat", Err: err}
	}
	err = chromedp.Run(runCtx,
		chromedp.WaitVisible(webSelectors.Send, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Click(webSelectors.Send, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "click send", Err: err}
	}
	return nil
}

func (p *chromePage) sendFile(ctx context.Context, phone, path, caption string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, err := p.tab()
	if err != nil {
		return err
	}
	runCtx, cancel := joinContext(tab, ctx, 120*time.Second)
	defer cancel()

	if err := p.openChat(runCtx, phone, ""); err != nil {
		return &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "open chat", Err: err}
	}
	actions := []chromedp.Action{
		chromedp.WaitVisible(webSelectors.Attach, chromedp.ByQuery),
		chromedp.Click(webSelectors.Attach, chromedp.ByQuery),
		chromedp.SetUploadFiles(webSelectors.FileInput, []string{path}, chromedp.ByQuery),
		chromedp.WaitVisible(webSelectors.SendMedia, chromedp.ByQuery),
	}
	if caption != "" {
		actions = append(actions, chromedp.SendKeys(webSelectors.Caption, caption, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Click(webSelectors.SendMedia, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "upload media", Err: err}
	}
	return nil
}

func (p *chromePage) list(ctx context.Context, what string) ([]browserEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, err := p.tab()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := joinContext(tab, ctx, 30*time.Second)
	defer cancel()

	var raw string
	expr := fmt.Sprintf(`window.__wagate ? window.__wagate.list(%q) : "[]"`, what)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "list " + what, Err: err}
	}
	var out []browserEntry
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return out, nil
}

func (p *chromePage) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.ctx, p.cancel = nil, nil
}

// joinContext derives a context from the tab that also ends when ctx does.
func joinContext(tab, ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// writeTempMedia stores an outbound attachment where the file input can read it.
func writeTempMedia(dir string, data []byte, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if name == "" {
		name = "attachment"
	}
	f, err := os.CreateTemp(dir, "*-"+filepath.Base(name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// signalScript installs the page hook on first use and returns the queued
// signals as a JSON array. Signals follow the whatsapp-web.js client event
// names.
const signalScript = `(() => {
  const w = window;
  if (!w.__wagate) {
    const q = [];
    const st = { state: "", qr: "", hooked: false };
    const sid = (v) => (v && v._serialized) || v || "";
    const ser = (m) => ({
      id: sid(m.id), from: sid(m.from), to: sid(m.to), author: sid(m.author),
      fromMe: !!(m.id && m.id.fromMe), type: m.type, body: m.type === "chat" ? m.body || "" : "",
      caption: m.caption || "", timestamp: m.t || 0, notifyName: m.notifyName || "",
      hasQuotedMsg: !!m.quotedStanzaID, quotedId: m.quotedStanzaID || "",
      mimetype: m.mimetype || "", filename: m.filename || "", size: m.size || 0,
      loc: m.loc || "", lat: m.lat || 0, lng: m.lng || 0, vcard: m.type === "vcard" ? m.body : "",
    });
    const hook = () => {
      if (st.hooked || !w.Store || !w.Store.Msg) return;
      st.hooked = true;
      w.Store.Msg.on("add", (m) => { if (m.isNewMsg) q.push({ type: "message", message: ser(m) }); });
      w.Store.Msg.on("change:ack", (m, ack) => q.push({ type: "message_ack", id: sid(m.id), ack: ack }));
    };
    const me = () => (localStorage.getItem("last-wid-md") || localStorage.getItem("last-wid") || "").replace(/"/g, "");
    w.__wagate = {
      drain() {
        const qrEl = document.querySelector("div[data-ref]");
        const ready = !!document.querySelector("#pane-side");
        const state = ready ? "ready" : (qrEl ? "qr" : "loading");
        if (state !== st.state) {
          if (state === "ready") {
            q.push({ type: "authenticated" });
            q.push({ type: "ready", phone: me(), pushName: localStorage.getItem("me-display-name") || "" });
          } else if (st.state === "ready" && state === "qr") {
            q.push({ type: "disconnected", reason: "LOGOUT" });
          }
          st.state = state;
        }
        if (state === "qr" && qrEl.dataset.ref !== st.qr) {
          st.qr = qrEl.dataset.ref;
          q.push({ type: "qr", qr: st.qr });
        }
        hook();
        return JSON.stringify(q.splice(0));
      },
      list(what) {
        const coll = w.Store && (what === "chats" ? w.Store.Chat : w.Store.Contact);
        if (!coll) return "[]";
        return JSON.stringify(coll.getModelsArray().map((c) => ({
          id: sid(c.id), name: c.name || c.formattedTitle || "", pushname: c.pushname || "",
          isGroup: !!c.isGroup,
        })));
      },
    };
  }
  return w.__wagate.drain();
})()`
