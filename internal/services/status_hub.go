package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/possync/client/internal/observability"
)

// Message types pushed to UI clients
const (
	WSTypeStatus     = "status"
	WSTypeQueued     = "queued"
	WSTypeSyncReport = "sync_report"
	WSTypePing       = "ping"
	WSTypePong       = "pong"
)

// WSMessage is one frame sent to a status client
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSClient is a connected status stream
type WSClient struct {
	ID         string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *StatusHub
	mu         sync.Mutex
	closedOnce sync.Once
}

// StatusHub fans sync status changes out to every connected UI client
type StatusHub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan []byte
	mu         sync.RWMutex
	done       chan struct{}

	lastMu sync.RWMutex
	last   []byte
}

// NewStatusHub creates a hub; call Run to start it
func NewStatusHub() *StatusHub {
	return &StatusHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled
func (h *StatusHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.Debugf("Status client connected: %s", client.ID)

			// New clients start from the latest known status
			h.lastMu.RLock()
			last := h.last
			h.lastMu.RUnlock()
			if last != nil {
				select {
				case client.Send <- last:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			observability.Debugf("Status client disconnected: %s", client.ID)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Client buffer full, drop it
					go h.Unregister(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub
func (h *StatusHub) Register(client *WSClient) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub
func (h *StatusHub) Unregister(client *WSClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish sends a message to every client without blocking the caller.
// Status messages are also remembered for clients that connect later.
func (h *StatusHub) Publish(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		observability.Errorf("Error marshaling status message: %v", err)
		return
	}

	if msg.Type == WSTypeStatus {
		h.lastMu.Lock()
		h.last = data
		h.lastMu.Unlock()
	}

	select {
	case h.broadcast <- data:
	default:
		observability.Warn("Status broadcast buffer full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client connected to this hub
func (h *StatusHub) NewClient(id string, conn *websocket.Conn) *WSClient {
	return &WSClient{
		ID:   id,
		Conn: conn,
		Send: make(chan []byte, 64),
		hub:  h,
	}
}

// Close closes the client connection
func (c *WSClient) Close() {
	c.closedOnce.Do(func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	})
}

// WritePump pumps messages from the hub to the websocket connection
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// write serializes writes from the read and write pumps
func (c *WSClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteMessage(messageType, data)
}

// ReadPump reads client frames until the connection closes. Clients only
// send pings; everything else is ignored.
func (c *WSClient) ReadPump() {
	defer c.Close()

	c.Conn.SetReadLimit(4 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.Warnf("Status websocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg WSMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == WSTypePing {
			pong, _ := json.Marshal(WSMessage{Type: WSTypePong})
			if err := c.write(websocket.TextMessage, pong); err != nil {
				return
			}
		}
	}
}
