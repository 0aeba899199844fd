package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courtside/market-engine/internal/metrics"
)

// client is one WebSocket connection and the rooms it listens to. An empty
// room set means every room.
type client struct {
	conn  *websocket.Conn
	rooms map[string]bool
}

func (c *client) wants(room string) bool {
	return len(c.rooms) == 0 || c.rooms[room]
}

type outbound struct {
	room string
	data []byte
}

// WSHub manages WebSocket connections and broadcasts engine events to
// connected clients. A single run loop performs every write, so messages
// leave in the order Emit was called.
type WSHub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan outbound
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan outbound, 1024),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop and returns when ctx is done. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if !c.wants(msg.room) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Emit sends an event to every client subscribed to room.
func (h *WSHub) Emit(room, event string, payload any) {
	data, err := json.Marshal(Message{
		Room:      room,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("ws encode failed", "event", event, "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{room: room, data: data}:
	default:
		// Drop if buffer full to avoid blocking price ticks and trades.
		metrics.BroadcastDropped.WithLabelValues(event).Inc()
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // browser clients are served from another origin
	},
}

// parseRooms reads ?room=market,game into a set.
func parseRooms(raw string) map[string]bool {
	rooms := make(map[string]bool)
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rooms[r] = true
		}
	}
	return rooms
}

// HandleWS upgrades GET /api/v1/ws and subscribes the client to the rooms
// named in ?room= (comma separated). No rooms means all of them.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, rooms: parseRooms(r.URL.Query().Get("room"))}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			// WriteControl is safe alongside the run loop's writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
