package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wagate/internal/domain"
	"wagate/internal/normalize"

	_ "modernc.org/sqlite"
)

// Socket is the persistent multiplexed-socket connector, backed by whatsmeow.
// Pairing credentials live in AuthDir/<channel id>/session.db so a restart
// can reconnect without a new QR scan.
type Socket struct {
	channelID string
	authDir   string
	http      *http.Client
	logger    *slog.Logger
	events    *emitter

	mu        sync.Mutex
	db        *sql.DB
	client    *whatsmeow.Client
	handlerID uint32
	cancelQR  context.CancelFunc
	qr        string
}

type SocketConfig struct {
	ChannelID  string
	AuthDir    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewSocket(cfg SocketConfig) *Socket {
	logger := cfg.Logger.With("provider", domain.ProviderBaileys, "channel", cfg.ChannelID)
	return &Socket{
		channelID: cfg.ChannelID,
		authDir:   filepath.Join(cfg.AuthDir, cfg.ChannelID),
		http:      cfg.HTTPClient,
		logger:    logger,
		events:    newEmitter(logger),
	}
}

func (s *Socket) Provider() domain.ProviderType { return domain.ProviderBaileys }
func (s *Socket) Events() <-chan domain.Event    { return s.events.events() }

func (s *Socket) QRCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

func (s *Socket) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.IsConnected() {
		return nil
	}
	if s.client == nil {
		if err := s.openLocked(ctx); err != nil {
			return err
		}
	}

	client := s.client
	if client.Store.ID == nil {
		// GetQRChannel must be requested before Connect.
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "qr channel", Err: err}
		}
		s.cancelQR = cancel
		go s.consumeQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		return &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "connect", Err: err}
	}
	s.logger.Info("socket connecting", "paired", client.Store.ID != nil)
	return nil
}

func (s *Socket) openLocked(ctx context.Context) error {
	if err := os.MkdirAll(s.authDir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	dsn := "file:" + filepath.Join(s.authDir, "session.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite", newWALogger(s.logger.With("component", "store")))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return fmt.Errorf("upgrade auth store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, newWALogger(s.logger.With("component", "client")))
	// reconnection is owned by the session registry
	client.EnableAutoReconnect = false
	s.handlerID = client.AddEventHandler(func(evt any) { s.handleEvent(client, evt) })
	s.db, s.client = db, client
	return nil
}

func (s *Socket) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.mu.Lock()
			s.qr = item.Code
			s.mu.Unlock()
			s.events.emit(domain.QREvent{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			s.logger.Info("qr pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			s.events.emit(domain.DisconnectedEvent{Reason: domain.ReasonQRTimeout})
		case whatsmeow.QRChannelEventError:
			s.events.emit(domain.ErrorEvent{Err: &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "pair", Err: item.Error}})
		default:
			s.logger.Warn("qr channel event", "event", item.Event)
		}
	}
}

func (s *Socket) handleEvent(client *whatsmeow.Client, evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		s.mu.Lock()
		s.qr = ""
		s.mu.Unlock()
	case *events.PairSuccess:
		s.logger.Info("paired", "jid", v.ID.String(), "platform", v.Platform)
	}

	var self socketSelf
	if client.Store != nil {
		self.name = client.Store.PushName
		if client.Store.ID != nil {
			self.phone = client.Store.ID.User
		}
	}
	for _, ev := range mapSocketEvent(evt, self) {
		s.events.emit(ev)
	}
}

// socketSelf is the paired account reported with a connected event.
type socketSelf struct {
	phone string
	name  string
}

// mapSocketEvent translates a whatsmeow event into canonical events. Events
// with no canonical meaning map to nothing.
func mapSocketEvent(evt any, self socketSelf) []domain.Event {
	switch v := evt.(type) {
	case *events.Connected:
		return []domain.Event{domain.ConnectedEvent{Phone: self.phone, ProfileName: self.name}}
	case *events.Disconnected:
		return []domain.Event{domain.DisconnectedEvent{Reason: domain.ReasonNetwork}}
	case *events.StreamReplaced:
		return []domain.Event{domain.DisconnectedEvent{Reason: domain.ReasonReplaced}}
	case *events.LoggedOut:
		return []domain.Event{loggedOut(v.Reason)}
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return []domain.Event{loggedOut(v.Reason)}
		}
		return []domain.Event{domain.DisconnectedEvent{
			Reason: domain.ReasonNetwork,
			Err:    &domain.ProviderError{Kind: domain.ErrTransientDisconnect, Op: "connect", Err: errors.New(v.Reason.String())},
		}}
	case *events.TemporaryBan:
		return []domain.Event{domain.DisconnectedEvent{
			Reason: reasonTemporaryBan,
			Err:    fmt.Errorf("%w: %s", domain.ErrRateLimited, v.String()),
		}}
	case *events.Message:
		if msg, ok := normalize.Normalize(normalize.FromWhatsmeow(v)); ok {
			return []domain.Event{domain.MessageEvent{Message: msg}}
		}
	case *events.Receipt:
		var status domain.AckStatus
		switch v.Type {
		case types.ReceiptTypeDelivered:
			status = domain.AckDelivered
		case types.ReceiptTypeRead, types.ReceiptTypePlayed:
			status = domain.AckRead
		default:
			return nil
		}
		out := make([]domain.Event, 0, len(v.MessageIDs))
		for _, id := range v.MessageIDs {
			out = append(out, domain.AckEvent{MessageID: id, Status: status})
		}
		return out
	}
	return nil
}

const reasonTemporaryBan = "temporary_ban"

func loggedOut(reason events.ConnectFailureReason) domain.DisconnectedEvent {
	return domain.DisconnectedEvent{
		Reason:   domain.ReasonLoggedOut,
		Terminal: true,
		Err:      fmt.Errorf("%w: %s", domain.ErrAuthExpired, reason.String()),
	}
}

func (s *Socket) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Socket) closeLocked() {
	if s.cancelQR != nil {
		s.cancelQR()
		s.cancelQR = nil
	}
	if s.client != nil {
		s.client.RemoveEventHandler(s.handlerID)
		s.client.Disconnect()
		s.client = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.qr = ""
}

// ClearCredentials logs the device out (best effort) and deletes the
// channel's auth directory.
func (s *Socket) ClearCredentials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.Store.ID != nil {
		if err := s.client.Logout(ctx); err != nil {
			s.logger.Warn("logout failed, deleting local store", "err", err)
			if err := s.client.Store.Delete(ctx); err != nil {
				s.logger.Warn("delete device store failed", "err", err)
			}
		}
	}
	s.closeLocked()
	if err := os.RemoveAll(s.authDir); err != nil {
		return fmt.Errorf("remove auth dir: %w", err)
	}
	s.logger.Info("credentials cleared")
	return nil
}

func (s *Socket) connected() (*whatsmeow.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || !s.client.IsConnected() {
		return nil, domain.ErrNotConnected
	}
	if !s.client.IsLoggedIn() {
		return nil, domain.ErrAuthExpired
	}
	return s.client, nil
}

func recipientJID(to string) (types.JID, error) {
	r, err := domain.ParseRecipient(to)
	if err != nil {
		return types.JID{}, err
	}
	if r.Group {
		return types.NewJID(r.ID, types.GroupServer), nil
	}
	return types.NewJID(r.ID, types.DefaultUserServer), nil
}

func (s *Socket) SendMessage(ctx context.Context, to, text string, opts domain.SendOptions) (domain.SendReceipt, error) {
	if err := domain.ValidateText(text); err != nil {
		return domain.SendReceipt{}, err
	}
	jid, err := recipientJID(to)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	client, err := s.connected()
	if err != nil {
		return domain.SendReceipt{}, err
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if opts.QuotedID != "" {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String(opts.QuotedID)},
		}}
	}
	return s.send(ctx, client, jid, msg)
}

func (s *Socket) SendMedia(ctx context.Context, to string, media domain.Media, opts domain.SendOptions) (domain.SendReceipt, error) {
	if err := media.Validate(); err != nil {
		return domain.SendReceipt{}, err
	}
	jid, err := recipientJID(to)
	if err != nil {
		return domain.SendReceipt{}, err
	}
	client, err := s.connected()
	if err != nil {
		return domain.SendReceipt{}, err
	}
	data, mime, err := mediaBytes(ctx, s.http, media)
	if err != nil {
		return domain.SendReceipt{}, err
	}

	var mediaType whatsmeow.MediaType
	switch media.Kind {
	case domain.KindImage:
		mediaType = whatsmeow.MediaImage
	case domain.KindVideo:
		mediaType = whatsmeow.MediaVideo
	case domain.KindAudio:
		mediaType = whatsmeow.MediaAudio
	case domain.KindDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return domain.SendReceipt{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, media.Kind)
	}

	up, err := client.Upload(ctx, data, mediaType)
	if err != nil {
		return domain.SendReceipt{}, &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "upload", Err: err}
	}

	var ctxInfo *waE2E.ContextInfo
	if opts.QuotedID != "" {
		ctxInfo = &waE2E.ContextInfo{StanzaID: proto.String(opts.QuotedID)}
	}
	var caption *string
	if media.Caption != "" {
		caption = proto.String(media.Caption)
	}

	msg := &waE2E.Message{}
	switch media.Kind {
	case domain.KindImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Mimetype: proto.String(mime),
			Caption: caption, ContextInfo: ctxInfo,
		}
	case domain.KindVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Mimetype: proto.String(mime),
			Caption: caption, ContextInfo: ctxInfo,
		}
	case domain.KindAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Mimetype: proto.String(mime),
			ContextInfo: ctxInfo,
		}
	case domain.KindDocument:
		name := media.FileName
		if name == "" {
			name = "document"
		}
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Mimetype: proto.String(mime),
			FileName: proto.String(name), Title: proto.String(name),
			Caption: caption, ContextInfo: ctxInfo,
		}
	}
	return s.send(ctx, client, jid, msg)
}

func (s *Socket) send(ctx context.Context, client *whatsmeow.Client, jid types.JID, msg *waE2E.Message) (domain.SendReceipt, error) {
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		kind := domain.ErrSendFailed
		switch {
		case errors.Is(err, whatsmeow.ErrNotConnected):
			kind = domain.ErrTransientDisconnect
		case errors.Is(err, whatsmeow.ErrNotLoggedIn):
			kind = domain.ErrAuthExpired
		case errors.Is(err, context.DeadlineExceeded):
			kind = domain.ErrProviderUnavailable
		}
		return domain.SendReceipt{}, &domain.ProviderError{Kind: kind, Op: "send", Err: err}
	}
	return domain.SendReceipt{ID: resp.ID, Status: domain.AckSent, Timestamp: resp.Timestamp}, nil
}

func (s *Socket) Contacts(ctx context.Context) ([]domain.Contact, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "contacts", Err: err}
	}
	out := make([]domain.Contact, 0, len(all))
	for jid, info := range all {
		name := info.FullName
		if name == "" {
			name = info.BusinessName
		}
		out = append(out, domain.Contact{
			ID:       jid.ToNonAD().String(),
			Name:     name,
			PushName: info.PushName,
			IsGroup:  jid.Server == types.GroupServer,
		})
	}
	return out, nil
}

func (s *Socket) Chats(ctx context.Context) ([]domain.Chat, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, &domain.ProviderError{Kind: domain.ErrProviderUnavailable, Op: "chats", Err: err}
	}
	out := make([]domain.Chat, 0, len(groups))
	for _, g := range groups {
		out = append(out, domain.Chat{ID: g.JID.String(), Name: g.Name, IsGroup: true})
	}
	return out, nil
}

var _ domain.Connector = (*Socket)(nil)
