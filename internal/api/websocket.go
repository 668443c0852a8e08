package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate/agentgate/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// WSMessage is the client-to-server message format.
type WSMessage struct {
	Type    string `json:"type"` // subscribe, unsubscribe, ping
	OrderID string `json:"order_id,omitempty"`
}

// WSHandler upgrades /api/events requests and fans events out to
// connected clients.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   events.Publisher
	logger      *slog.Logger
	mu          sync.Mutex
	connections map[*wsConnection]struct{}
}

// wsConnection tracks one client.
type wsConnection struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	orderID   string
	eventChan <-chan events.Event
}

// NewWSHandler creates a WebSocket handler over the publisher.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		publisher:   pub,
		logger:      logger,
		connections: make(map[*wsConnection]struct{}),
	}
}

// ServeHTTP upgrades the connection. The optional ?order=<id> query
// parameter subscribes immediately; the default is the global stream.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.connections[c] = struct{}{}
	h.mu.Unlock()

	orderID := r.URL.Query().Get("order")
	if orderID == "" {
		orderID = events.GlobalID
	}
	h.subscribe(c, orderID)

	go h.readPump(c)
	go h.writePump(c)
}

// CloseAll drops every connection; used on server shutdown.
func (h *WSHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.closeConnection(c)
	}
}

func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}
		h.handleMessage(c, message)
	}
}

func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain queued frames individually so each stays valid JSON.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handleMessage(c *wsConnection, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendJSON(c, map[string]any{"type": "error", "error": "invalid message format"})
		return
	}

	switch msg.Type {
	case "subscribe":
		id := msg.OrderID
		if id == "" {
			id = events.GlobalID
		}
		h.subscribe(c, id)
	case "unsubscribe":
		h.unsubscribe(c)
		h.sendJSON(c, map[string]any{"type": "unsubscribed"})
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		h.sendJSON(c, map[string]any{"type": "error", "error": "unknown message type: " + msg.Type})
	}
}

// subscribe switches the connection's event stream to the given order.
func (h *WSHandler) subscribe(c *wsConnection, orderID string) {
	h.unsubscribe(c)

	c.mu.Lock()
	c.orderID = orderID
	c.eventChan = h.publisher.Subscribe(orderID)
	ch := c.eventChan
	c.mu.Unlock()

	go h.forwardEvents(c, ch)
	h.sendJSON(c, map[string]any{"type": "subscribed", "order_id": orderID})
}

func (h *WSHandler) unsubscribe(c *wsConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventChan != nil {
		h.publisher.Unsubscribe(c.orderID, c.eventChan)
		c.eventChan = nil
		c.orderID = ""
	}
}

// forwardEvents copies publisher events onto the connection's send
// buffer until the subscription channel closes.
func (h *WSHandler) forwardEvents(c *wsConnection, ch <-chan events.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]any{
				"type":          "event",
				"event":         string(ev.Type),
				"work_order_id": ev.WorkOrderID,
				"data":          ev.Data,
				"time":          ev.Time,
			})
			if err != nil {
				continue
			}
			select {
			case c.send <- payload:
			default:
				// Slow consumer; drop rather than block the fan-out.
			}
		}
	}
}

func (h *WSHandler) sendJSON(c *wsConnection, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *WSHandler) closeConnection(c *wsConnection) {
	h.mu.Lock()
	_, open := h.connections[c]
	delete(h.connections, c)
	h.mu.Unlock()
	if !open {
		return
	}

	h.unsubscribe(c)
	close(c.done)
	_ = c.conn.Close()
}
