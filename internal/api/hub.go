package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 32
)

// streamTopics are forwarded to websocket clients.
var streamTopics = []string{
	bus.EventSessionStatus,
	bus.EventSessionQR,
	bus.EventSessionAuthExpired,
	bus.EventMessageReceived,
	bus.EventMessageAck,
}

// StreamMessage is the JSON frame pushed to UI clients.
type StreamMessage struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub broadcasts session events to websocket clients. A client may narrow
// the stream to one channel with ?channel=<id>.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	events   *bus.EventBus

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id      string
	channel string
	conn    *websocket.Conn
	send    chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Subscribe forwards the stream topics of eb to connected clients.
func (h *Hub) Subscribe(eb *bus.EventBus) {
	h.events = eb
	for _, topic := range streamTopics {
		eb.On(topic, h.broadcast)
	}
}

func (h *Hub) frame(e bus.Event) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Type:      e.Type,
		Channel:   e.Channel(),
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	})
}

func (h *Hub) broadcast(e bus.Event) {
	channel := e.Channel()
	data, err := h.frame(e)
	if err != nil {
		h.logger.Warn("stream encode failed", "event", e.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.channel != "" && c.channel != channel {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, dropping frame", "client_id", c.id)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		id:      uuid.NewString(),
		channel: r.URL.Query().Get("channel"),
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
	}
	h.snapshot(c)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "client_id", c.id, "channel", c.channel)

	done := make(chan struct{})
	go h.writeLoop(c, done)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(done)
		conn.Close()
		h.logger.Info("websocket client disconnected", "client_id", c.id)
	}()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "client_id", c.id, "err", err)
			}
			return
		}
	}
}

// snapshot queues the last known status and QR of a client's channel so a
// UI that connects mid-pairing renders the current code immediately.
func (h *Hub) snapshot(c *wsClient) {
	if h.events == nil || c.channel == "" {
		return
	}
	status, ok := h.events.Latest(bus.EventSessionStatus, c.channel)
	if !ok {
		return
	}
	frames := []bus.Event{status}
	if status.Payload["to"] == string(domain.StatusQRPending) {
		if qr, ok := h.events.Latest(bus.EventSessionQR, c.channel); ok {
			frames = append(frames, qr)
		}
	}
	for _, e := range frames {
		if data, err := h.frame(e); err == nil {
			c.send <- data
		}
	}
}

func (h *Hub) writeLoop(c *wsClient, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
		delete(h.clients, id)
	}
}
