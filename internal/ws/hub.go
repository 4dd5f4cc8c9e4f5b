package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"bchgateway/internal/signer"
)

// Hub pushes signed payment events to browser clients subscribed by invoice
// id. The registry is mutated by every connect/subscribe/disconnect and is
// guarded by one mutex; per-connection writes go through a send channel so a
// slow client never blocks a notify.
type Hub struct {
	Signer *signer.Service

	upgrader websocket.Upgrader

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
}

func NewHub(sig *signer.Service) *Hub {
	return &Hub{
		Signer: sig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics: make(map[string]map[*client]struct{}),
	}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

type controlMessage struct {
	Type      string `json:"type"`
	InvoiceID string `json:"invoiceId"`
}

// Handle upgrades the request and serves the subscribe/unsubscribe control
// protocol until the connection drops.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 16),
		topics: make(map[string]struct{}),
	}
	go c.writePump()

	defer func() {
		h.drop(c)
		close(c.send)
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl controlMessage
		if err := json.Unmarshal(msg, &ctrl); err != nil || ctrl.InvoiceID == "" {
			c.reply(map[string]string{"error": "expected {type, invoiceId}"})
			continue
		}
		switch ctrl.Type {
		case "subscribe":
			h.subscribe(c, ctrl.InvoiceID)
			c.reply(map[string]string{"event": "subscribed", "message": "Subscribed to " + ctrl.InvoiceID})
		case "unsubscribe":
			h.unsubscribe(c, ctrl.InvoiceID)
			c.reply(map[string]string{"event": "unsubscribed", "message": "Unsubscribed from " + ctrl.InvoiceID})
		default:
			c.reply(map[string]string{"error": "unknown message type " + ctrl.Type})
		}
	}
}

// Notify signs and pushes an event to every connection subscribed to the
// topic. Fields are merged with the event name before signing so clients can
// verify exactly the bytes they received.
func (h *Hub) Notify(topic, event string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event"] = event

	unsigned, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws notify marshal failed: %v", err)
		return
	}
	payload["signature"] = h.Signer.Sign(unsigned)
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws notify marshal failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.topics[topic] {
		select {
		case c.send <- data:
		default:
			// Client is not draining; skip rather than block the notify.
		}
	}
}

// Subscribers reports how many connections are watching a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

// unsubscribe removes only the requesting connection; other subscribers on
// the same invoice keep their stream.
func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, topic)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range c.topics {
		h.removeLocked(c, topic)
	}
}

func (h *Hub) removeLocked(c *client, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

func (c *client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
