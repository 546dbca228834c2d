package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

// WebSocketHub mirrors every bus event onto connected dashboard clients.
// Single broadcaster pattern: one goroutine owns the client set, avoiding
// per-connection duplicate subscriptions to the bus.
type WebSocketHub struct {
	bus *Bus

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewWebSocketHub builds a hub that will mirror every event on bus.
func NewWebSocketHub(bus *Bus) *WebSocketHub {
	return &WebSocketHub{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run owns the client set and the bus subscription until ctx is cancelled.
func (h *WebSocketHub) Run(ctx context.Context) {
	sub := h.bus.Subscribe() // all topics
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("dashboard ws connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *WebSocketHub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			go h.Unregister(conn)
		}
	}
}

func (h *WebSocketHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection to the broadcast set.
func (h *WebSocketHub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *WebSocketHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount reports the number of connected dashboard clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
