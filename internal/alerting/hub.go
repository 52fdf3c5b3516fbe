package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"qtune/internal/connector/sla"
	"qtune/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 256
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

// Hub 把 SLA 事件广播给所有 websocket 订阅者；可按连接器过滤
type Hub struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.RWMutex
	clients map[string]*client

	onCount func(n int)
}

type client struct {
	id        string
	connector string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// NewHub creates a broadcast hub
func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[string]*client),
	}
}

// OnConnectionCount registers a callback invoked when the subscriber count changes
func (h *Hub) OnConnectionCount(fn func(n int)) { h.onCount = fn }

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request; ?connector= limits the stream to one connector
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "error", err)
		return
	}
	c := &client{
		id:        uuid.NewString(),
		connector: r.URL.Query().Get("connector"),
		conn:      conn,
		send:      make(chan []byte, clientSendSize),
		hub:       h,
	}
	h.register(c)

	hello, _ := json.Marshal(Message{
		Type: "connected",
		Data: map[string]interface{}{"client_id": c.id, "connector": c.connector},
		Time: time.Now(),
	})
	c.send <- hello

	go c.writePump()
	go c.readPump()
}

// Publish broadcasts events; slow subscribers are dropped
func (h *Hub) Publish(ctx context.Context, events []sla.Event) error {
	if len(events) == 0 || h.Count() == 0 {
		return nil
	}
	frames := make([][]byte, len(events))
	for i, e := range events {
		data, err := json.Marshal(Message{Type: "sla_event", Data: FromEvent(e), Time: time.Now()})
		if err != nil {
			return err
		}
		frames[i] = data
	}

	// send 通道只在持有写锁时关闭，这里持读锁发送
	slow := make(map[string]*client)
	h.mu.RLock()
	for i, e := range events {
		for _, c := range h.clients {
			if _, dropped := slow[c.id]; dropped {
				continue
			}
			if c.connector != "" && c.connector != e.ConnectorName {
				continue
			}
			select {
			case c.send <- frames[i]:
			default:
				slow[c.id] = c
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("Client send buffer full, closing connection", "client_id", c.id)
		h.unregister(c)
	}
	return nil
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	if h.onCount != nil {
		h.onCount(n)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	if ok {
		c.closeOnce.Do(func() { close(c.send) })
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.onCount != nil {
		h.onCount(n)
	}
}

// writePump pumps messages from the send channel to the websocket connection
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump 只处理控制帧，客户端消息被丢弃
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}
