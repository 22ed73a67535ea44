package interceptor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Hub tracks the clients attached to the interceptor: websocket clients and
// in-process listeners. Messages from websocket clients are handed to
// onMessage.
type Hub struct {
	mu        sync.Mutex
	clients   map[*wsClient]bool
	local     map[string]func(Message)
	onMessage func(Message)
	onEmpty   func()
}

func newHub() *Hub {
	return &Hub{
		clients: map[*wsClient]bool{},
		local:   map[string]func(Message){},
	}
}

// AddListener attaches an in-process client. It returns a function that
// detaches it.
func (h *Hub) AddListener(fn func(Message)) func() {
	id := uuid.NewString()
	h.mu.Lock()
	h.local[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		_, ok := h.local[id]
		delete(h.local, id)
		empty := ok && h.countLocked() == 0
		h.mu.Unlock()
		if empty && h.onEmpty != nil {
			h.onEmpty()
		}
	}
}

// Count returns how many clients are attached.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	return len(h.clients) + len(h.local)
}

// Broadcast sends msg to every client. Websocket clients that can't keep up
// are dropped.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.New().Err(err).Error("failed to marshal client message")
		return
	}

	h.mu.Lock()
	local := make([]func(Message), 0, len(h.local))
	for _, fn := range h.local {
		local = append(local, fn)
	}
	dropped := 0
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
			dropped++
		}
	}
	empty := dropped > 0 && h.countLocked() == 0
	h.mu.Unlock()

	if dropped > 0 {
		logger.New().Warn("dropped slow clients", logger.Data{"count": dropped})
	}
	if empty && h.onEmpty != nil {
		h.onEmpty()
	}
	for _, fn := range local {
		fn(msg)
	}
}

// ServeConn attaches a websocket connection and pumps messages until it
// closes.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 32),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	logger.New().Info("client attached", logger.Data{"client_id": client.id})

	go client.writePump()
	go client.readPump()
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	empty := ok && h.countLocked() == 0
	h.mu.Unlock()

	if ok {
		logger.New().Info("client detached", logger.Data{"client_id": client.id})
	}
	if empty && h.onEmpty != nil {
		h.onEmpty()
	}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.New().Err(err).Warn("client connection closed unexpectedly", logger.Data{"client_id": c.id})
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.New().Err(err).Warn("ignoring malformed client message", logger.Data{"client_id": c.id})
			continue
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(msg)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
