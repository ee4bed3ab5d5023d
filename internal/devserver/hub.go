package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/binomepay/binomepay-go/internal/platform/appctx"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub fans change events out to the websocket connections of each user.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logutil.NoopIfNil(logger),
		clients: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; ok {
		delete(conns, c)
		close(c.send)
	}
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Users returns the ids of connected users, excluding skip.
func (h *Hub) Users(skip ...string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		if !slices.Contains(skip, id) {
			out = append(out, id)
		}
	}
	return out
}

// Publish sends ev to every connection of each user in userIDs. Slow
// connections whose buffer is full are dropped.
func (h *Hub) Publish(ev realtime.Event, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range userIDs {
		conns, ok := h.clients[id]
		if !ok {
			continue
		}
		out := ev
		out.UserID = id
		data, err := json.Marshal(out)
		if err != nil {
			h.logger.Error("failed to encode event", "error", err)
			continue
		}
		for c := range conns {
			select {
			case c.send <- data:
			default:
				delete(conns, c)
				close(c.send)
			}
		}
		if len(conns) == 0 {
			delete(h.clients, id)
		}
	}
}

// ServeHTTP upgrades an authenticated request to a websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.UserID(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.logger.Info("realtime client connected", "user_id", userID)

	go c.writeLoop()
	c.readLoop()
	h.unregister(c)
	h.logger.Info("realtime client disconnected", "user_id", userID)
}

// readLoop discards inbound frames and returns when the connection dies.
func (c *client) readLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
