// Package api is the HTTP surface of wagate: the admin session API used by
// the helpdesk, provider webhooks, the live status stream and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wagate/internal/domain"
	"wagate/internal/session"
	"wagate/internal/store"
)

// Sessions is the registry surface the handlers need.
type Sessions interface {
	Create(ctx context.Context, ch domain.Channel) (session.Info, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	GetSessionStatus(id string) domain.SessionStatus
	GetQRCode(id string) string
	Session(id string) (session.Info, bool)
	Sessions() []session.Info
	GetStats() domain.Stats
	SendMessage(ctx context.Context, id, to, text string, opts domain.SendOptions) domain.SendResult
	SendMedia(ctx context.Context, id, to string, media domain.Media, opts domain.SendOptions) domain.SendResult
	SendBulk(ctx context.Context, id string, recipients []string, text string, opts domain.SendOptions) []domain.BulkResult
	Contacts(ctx context.Context, id string) ([]domain.Contact, error)
	Chats(ctx context.Context, id string) ([]domain.Chat, error)
}

// Channels is the channel record store.
type Channels interface {
	Create(ctx context.Context, ch domain.Channel) error
	FindByID(ctx context.Context, id string) (*domain.Channel, error)
	List(ctx context.Context) ([]domain.Channel, error)
	Delete(ctx context.Context, id string) error
	Transitions(ctx context.Context, channelID string, limit int) ([]store.Transition, error)
}

// Mount registers extra routes (the webhook router) on the root router.
type Mount interface {
	RegisterHTTP(r chi.Router)
}

// Config configures the Server.
type Config struct {
	Host     string
	Port     int
	APIKey   string // empty disables admin auth
	Sessions Sessions
	Channels Channels
	Hub      *Hub         // optional
	Metrics  http.Handler // optional
	// MetricsPath defaults to /metrics.
	MetricsPath string
	Mounts      []Mount
	Logger      *slog.Logger
}

type Server struct {
	addr     string
	apiKey   string
	sessions Sessions
	channels Channels
	hub      *Hub
	logger   *slog.Logger
	router   *chi.Mux
	server   *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		apiKey:   cfg.APIKey,
		sessions: cfg.Sessions,
		channels: cfg.Channels,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, cfg.Metrics)
	}
	for _, m := range cfg.Mounts {
		m.RegisterHTTP(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			if s.hub != nil {
				r.Handle("/stream", s.hub)
			}

			r.Route("/channels", func(r chi.Router) {
				r.Get("/", s.handleListChannels)
				r.Post("/", s.handleCreateChannel)
				r.Get("/{id}", s.handleGetChannel)
				r.Delete("/{id}", s.handleDeleteChannel)
				r.Get("/{id}/transitions", s.handleTransitions)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Get("/{id}", s.handleGetSession)
				r.Get("/{id}/status", s.handleStatus)
				r.Get("/{id}/qr", s.handleQR)
				r.Get("/{id}/qr.png", s.handleQRPNG)
				r.Post("/{id}/start", s.handleStart)
				r.Post("/{id}/stop", s.handleStop)
				r.Post("/{id}/restart", s.handleRestart)
				r.Post("/{id}/messages", s.handleSendMessage)
				r.Post("/{id}/media", s.handleSendMedia)
				r.Post("/{id}/bulk", s.handleSendBulk)
				r.Get("/{id}/contacts", s.handleContacts)
				r.Get("/{id}/chats", s.handleChats)
			})
		})
	})

	s.router = r
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// requireAPIKey accepts "Authorization: Bearer <key>", "X-API-Key: <key>",
// or ?apiKey=<key> for websocket clients that cannot set headers.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			key = r.URL.Query().Get("apiKey")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
