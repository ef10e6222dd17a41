package websocket

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan *Message

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	// Mutex to protect clients map
	mu sync.RWMutex

	logger *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("client_id", client.id).Info("WebSocket client connected")
			h.logger.WithField("count", count).Debug("Active WebSocket clients")

			connectedMsg, err := NewMessage(MessageTypeConnected, ConnectedPayload{
				Message:  "Connected to comfy-deploy gateway",
				ClientID: client.id,
			})
			if err == nil {
				client.Send(connectedMsg)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.WithField("client_id", client.id).Info("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			// Marshal message to JSON once
			messageBytes, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal broadcast message")
				continue
			}

			h.mu.RLock()
			if len(h.clients) == 0 {
				h.mu.RUnlock()
				continue
			}

			h.logger.WithFields(logrus.Fields{
				"type":         message.Type,
				"client_count": len(h.clients),
			}).Debug("Broadcasting message to clients")

			for client := range h.clients {
				select {
				case client.send <- messageBytes:
				default:
					// Client's send buffer is full, drop the connection
					go func(c *Client) {
						h.logger.WithField("client_id", c.id).Warn("Client send buffer full, closing connection")
						h.UnregisterClient(c)
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues a message for all connected clients. Messages are dropped when the
// hub is backed up.
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	default:
		h.logger.WithField("type", message.Type).Warn("Broadcast queue full, message dropped")
	}
}

// BroadcastPayload creates a message with the given type and payload, then broadcasts it
func (h *Hub) BroadcastPayload(msgType MessageType, payload interface{}) error {
	message, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	h.Broadcast(message)
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.conn.Close()
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
