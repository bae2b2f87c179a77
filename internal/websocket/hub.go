package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"outdial/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens are checked before upgrade, origin is not
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType tipos de mensajes enviados a los clientes
type EventType string

const (
	EventCallUpdate EventType = "call_update"
	EventCallEnd    EventType = "call_end"
)

// TopicAll reaches every client subscribed to all tenants.
const TopicAll = "all"

// TenantTopic returns the topic for one tenant's calls.
func TenantTopic(tenantID string) string {
	return "tenant:" + tenantID
}

// Message representa un mensaje WebSocket
type Message struct {
	Type      EventType   `json:"type"`
	Topic     string      `json:"topic"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type envelope struct {
	topic   string
	payload []byte
}

// Client representa una conexión WebSocket
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	admin  bool
	topics map[string]bool // guarded by hub.mu
}

// Hub mantiene las conexiones activas y difunde mensajes por tópico
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *logrus.Entry
}

// NewHub crea un Hub; Run debe estar en ejecución para entregar mensajes
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logging.Component(logger, "WebSocket"),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("client connected, total clients: %d", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("client disconnected, total clients: %d", n)

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.topics[env.topic] && !client.topics[TopicAll] {
					continue
				}
				select {
				case client.send <- env.payload:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues data for every client subscribed to topic. It drops the
// message when the hub is backed up.
func (h *Hub) Broadcast(topic string, eventType EventType, data interface{}) {
	msg := Message{
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("marshaling message")
		return
	}

	select {
	case h.broadcast <- envelope{topic: topic, payload: jsonData}:
	default:
		h.log.Warn("broadcast queue full, message dropped")
	}
}

// ServeClient upgrades the request. Tenant clients receive only their tenant's
// topic; admin clients start on TopicAll and may subscribe and unsubscribe.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, tenantID string, admin bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade error")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		admin:  admin,
		topics: make(map[string]bool),
	}
	if admin {
		client.topics[TopicAll] = true
	} else {
		client.topics[TenantTopic(tenantID)] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump lee mensajes de suscripción del cliente
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("read error")
			}
			break
		}
		if !c.admin {
			continue
		}

		var subMsg struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if json.Unmarshal(message, &subMsg) != nil || subMsg.Topic == "" {
			continue
		}
		c.hub.mu.Lock()
		switch subMsg.Action {
		case "subscribe":
			c.topics[subMsg.Topic] = true
		case "unsubscribe":
			delete(c.topics, subMsg.Topic)
		}
		c.hub.mu.Unlock()
	}
}

// writePump envía mensajes y pings al cliente
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
