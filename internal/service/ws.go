package service

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kvxlabs/attnprobe/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope for every websocket frame.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans progress frames out to every connected websocket client.
// Slow clients are dropped rather than allowed to stall a run.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	lg      *logger.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		lg:      logger.Log.Component("ws"),
	}
}

// Serve upgrades the request and keeps the connection registered until
// the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(1024)
	for {
		// Inbound frames are ignored; the socket is broadcast only.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Broadcast sends one frame to every client. A client whose buffer is
// full is disconnected.
func (h *Hub) Broadcast(msgType string, payload any) {
	raw, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.lg.Error("broadcast marshal failed", "error", err.Error())
		return
	}

	h.mu.Lock()
	var stalled []*wsClient
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.drop(c)
	}
}

// CloseAll disconnects every client, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}
