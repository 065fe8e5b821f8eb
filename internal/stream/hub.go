// Package stream pushes tick results to websocket viewers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/taniwha3/trackwatch/internal/evaluator"
)

// Message types
const (
	TypeTick    = "tick"
	TypeHistory = "history"
)

// Message is the envelope for everything sent to viewers
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HistoryFunc returns the payload sent to a viewer when it connects
type HistoryFunc func() interface{}

// Hub tracks connected viewers and broadcasts to them.
// Only the Run goroutine touches the client set.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	history  HistoryFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger

	count   atomic.Int64
	dropped atomic.Uint64
}

// NewHub creates a hub. history may be nil.
func NewHub(history HistoryFunc, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
		history:    history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run services registrations and broadcasts until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.count.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("Viewer connected", slog.String("remote", c.remote))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug("Viewer disconnected", slog.String("remote", c.remote))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow viewer; drop it rather than stall everyone else
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("Dropping slow viewer", slog.String("remote", c.remote))
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Broadcast queues a message for all viewers. It never blocks; when the
// hub is behind the message is dropped.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to encode stream message", slog.String("type", msgType), slog.Any("error", err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// OnTick broadcasts the tick result
func (h *Hub) OnTick(_ context.Context, res evaluator.Result) {
	h.Broadcast(TypeTick, res)
}

// Clients returns the number of connected viewers
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Dropped returns the number of broadcasts dropped because the hub was behind
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and attaches the viewer to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := newClient(h, conn)

	// Queue the history message before registering so it is sent first
	if h.history != nil {
		data, err := json.Marshal(Message{Type: TypeHistory, Payload: h.history()})
		if err == nil {
			c.send <- data
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
