package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wagate/internal/domain"
	"wagate/internal/session"
)

const (
	maxJSONBody   = 1 << 20
	maxMediaBody  = 32 << 20
	maxRecipients = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// httpStatus maps the error taxonomy onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrChannelNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownProvider), errors.Is(err, domain.ErrInvalidRecipient),
		errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrMessageTooLong),
		errors.Is(err, domain.ErrUnsupportedMediaType):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthExpired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrProviderUnavailable), errors.Is(err, domain.ErrTransientDisconnect):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  stats.Total,
		"connected": stats.Connected,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.GetStats())
}

// --- Channels ---

type createChannelRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := s.channels.List(r.Context())
	if err != nil {
		s.logger.Error("list channels failed", "err", err)
		writeError(w, http.StatusInternalServerError, "cannot list channels")
		return
	}
	if chs == nil {
		chs = []domain.Channel{}
	}
	writeJSON(w, http.StatusOK, chs)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !decodeBody(w, r, maxJSONBody, &req) {
		return
	}
	provider, err := domain.ParseProviderType(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch := domain.Channel{
		ID:       strings.TrimSpace(req.ID),
		Name:     req.Name,
		UserID:   req.UserID,
		Provider: provider,
		Status:   domain.StatusDisconnected,
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Name == "" {
		ch.Name = ch.ID
	}
	if err := s.channels.Create(r.Context(), ch); err != nil {
		s.logger.Error("create channel failed", "channel", ch.ID, "err", err)
		writeError(w, http.StatusConflict, "cannot create channel")
		return
	}
	created, err := s.channels.FindByID(r.Context(), ch.ID)
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	s.logger.Info("channel created", "channel", ch.ID, "provider", provider)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.channels.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if err := s.channels.Delete(r.Context(), id); err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ts, err := s.channels.Transitions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.Error("list transitions failed", "err", err)
		writeError(w, http.StatusInternalServerError, "cannot list transitions")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// --- Session lifecycle ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.Sessions()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.sessions.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.GetSessionStatus(chi.URLParam(r, "id")))
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	qr := s.sessions.GetQRCode(chi.URLParam(r, "id"))
	if qr == "" {
		writeError(w, http.StatusNotFound, "no QR code pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

// handleStart creates the session from the stored channel when needed.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sessions.Session(id); !ok {
		ch, err := s.channels.FindByID(r.Context(), id)
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		if _, err := s.sessions.Create(r.Context(), *ch); err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
	}
	if err := s.sessions.Start(r.Context(), id); err != nil {
		writeJSON(w, httpStatus(err), map[string]any{
			"error":  err.Error(),
			"status": s.sessions.GetSessionStatus(id),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.GetSessionStatus(id))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.GetSessionStatus(id))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Restart(r.Context(), id); err != nil {
		writeJSON(w, httpStatus(err), map[string]any{
			"error":  err.Error(),
			"status": s.sessions.GetSessionStatus(id),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.GetSessionStatus(id))
}

// --- Sending ---

type sendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
	domain.SendOptions
}

type sendMediaRequest struct {
	To string `json:"to"`
	domain.Media
	domain.SendOptions
}

type sendBulkRequest struct {
	Recipients []string `json:"recipients"`
	Text       string   `json:"text"`
	domain.SendOptions
}

// Send results are data: a failed send is still a 200 with success=false.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, maxJSONBody, &req) {
		return
	}
	res := s.sessions.SendMessage(r.Context(), chi.URLParam(r, "id"), req.To, req.Text, req.SendOptions)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	if !decodeBody(w, r, maxMediaBody, &req) {
		return
	}
	res := s.sessions.SendMedia(r.Context(), chi.URLParam(r, "id"), req.To, req.Media, req.SendOptions)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req sendBulkRequest
	if !decodeBody(w, r, maxJSONBody, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	if len(req.Recipients) > maxRecipients {
		writeError(w, http.StatusBadRequest, "too many recipients (max "+strconv.Itoa(maxRecipients)+")")
		return
	}
	results := s.sessions.SendBulk(r.Context(), chi.URLParam(r, "id"), req.Recipients, req.Text, req.SendOptions)
	sent := 0
	for _, res := range results {
		if res.Success {
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(results),
		"sent":    sent,
		"failed":  len(results) - sent,
		"results": results,
	})
}

// --- Address book ---

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.sessions.Contacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.sessions.Chats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}
