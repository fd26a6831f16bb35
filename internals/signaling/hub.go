package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"go.uber.org/zap"
)

// Hub is the registry of live connections keyed by peer id. Registration
// runs through the Run loop; lookups and sends are safe from any goroutine.
type Hub struct {
	clients    map[domain.PeerID]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	pingInterval time.Duration
	logger       *zap.Logger
}

func NewHub(pingInterval time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		clients:      make(map[domain.PeerID]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		close(h.done)
		h.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			h.logger.Debug("Client registered", zap.String("peerID", client.ID.String()))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.ID]; ok && current == client {
				delete(h.clients, client.ID)
			}
			h.mu.Unlock()
			client.closeSend()

			h.logger.Debug("Client unregistered", zap.String("peerID", client.ID.String()))

		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	for _, client := range h.snapshot() {
		if client.SendMessage(Message{Type: MessageTypePing, Timestamp: time.Now()}) {
			client.mu.Lock()
			client.lastPing = time.Now()
			client.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[domain.PeerID]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

// RegisterClient blocks until the Run loop has recorded the client, so a
// message addressed to it right afterwards is deliverable.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.closeSend()
	}
}

// SendTo delivers to a connected peer. It returns false if the peer is
// unknown or its queue rejected the message.
func (h *Hub) SendTo(id domain.PeerID, message Message) bool {
	client, ok := h.GetClient(id)
	if !ok {
		return false
	}
	message.To = id
	return client.SendMessage(message)
}

func (h *Hub) GetClient(id domain.PeerID) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[id]
	return client, exists
}

func (h *Hub) GetClientsByRoom(roomName string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range h.clients {
		if client.RoomName() == roomName {
			clients = append(clients, client)
		}
	}
	return clients
}

// Clients returns the connections registered right now.
func (h *Hub) Clients() []*Client {
	return h.snapshot()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}
