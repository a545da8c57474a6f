package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	MessageTypeChange = "change"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Callers are authenticated by bearer token, not by origin.
		return true
	},
}

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source"`
}

type envelope struct {
	key     string
	all     bool
	message Message
}

type Client struct {
	conn   *websocket.Conn
	key    string
	send   chan Message
	hub    *Hub
	logger *logrus.Logger
}

// Hub fans messages out to websocket clients. Each client is registered under a key
// (the principal for change channels) and only receives messages published for it.
type Hub struct {
	clients    map[*Client]bool
	publish    chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		publish:    make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{
				"client_count": count,
				"key":          client.key,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client disconnected")

		case env := <-h.publish:
			h.mutex.Lock()
			for client := range h.clients {
				if !env.all && client.key != env.key {
					continue
				}
				select {
				case client.send <- env.message:
				default:
					// Slow client; dropping it ends its channel so it re-fetches on reconnect.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Broadcast sends a message to every connected client.
func (h *Hub) Broadcast(messageType string, data interface{}, source string) {
	h.enqueue(envelope{all: true, message: newMessage(messageType, data, source)})
}

// Publish sends a message to the clients registered under key.
func (h *Hub) Publish(key, messageType string, data interface{}, source string) {
	h.enqueue(envelope{key: key, message: newMessage(messageType, data, source)})
}

// HandleChange routes a change to its owner's change channels.
func (h *Hub) HandleChange(ctx context.Context, change models.RawChange) error {
	if change.UserID == "" {
		h.logger.WithField("event_type", change.EventType).Warn("Dropping change without owner")
		return nil
	}
	h.Publish(change.UserID, MessageTypeChange, change, "gateway")
	return nil
}

func newMessage(messageType string, data interface{}, source string) Message {
	return Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		Source:    source,
	}
}

func (h *Hub) enqueue(env envelope) {
	select {
	case h.publish <- env:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// HandleWebSocket upgrades a connection that receives broadcasts only.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.Serve(w, r, "")
}

// Serve upgrades the connection and registers it under key.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn:   conn,
		key:    key,
		send:   make(chan Message, 256),
		hub:    h,
		logger: h.logger,
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

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
				c.logger.WithError(err).Error("WebSocket error")
			}
			break
		}
	}
}

func (c *Client) writePump() {
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

			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.WithError(err).Warn("Failed to write WebSocket message")
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

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
