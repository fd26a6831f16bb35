package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is the hub side of one websocket connection.
type Client struct {
	ID   domain.PeerID
	Conn *websocket.Conn
	Send chan Message

	cfg config.SignalingConfig

	mu       sync.RWMutex
	roomName string
	lastPing time.Time

	sendMu sync.Mutex
	closed atomic.Bool
	logger *zap.Logger

	// Callbacks
	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

func NewClient(id domain.PeerID, conn *websocket.Conn, cfg config.SignalingConfig, logger *zap.Logger) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		Send:     make(chan Message, cfg.SendBuffer),
		cfg:      cfg,
		lastPing: time.Now(),
		logger:   logger,
	}
}

func (c *Client) RoomName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomName
}

func (c *Client) SetRoomName(name string) {
	c.mu.Lock()
	c.roomName = name
	c.mu.Unlock()
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Swap(true) {
		return
	}
	close(c.Send)
}

func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.cfg.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error",
					zap.String("peerID", c.ID.String()),
					zap.Error(err),
				)
			}
			break
		}

		// Identity comes from the connection, never from the payload.
		message.From = c.ID
		message.To = ""
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Warn("Failed to write message",
					zap.String("peerID", c.ID.String()),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a message without blocking. It reports false when the
// client is gone or its queue is full.
func (c *Client) SendMessage(message Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("peerID", c.ID.String()),
			zap.String("type", string(message.Type)),
		)
		return false
	}
}

func (c *Client) SendPayload(t MessageType, payload any) bool {
	msg, err := NewMessage(t, payload)
	if err != nil {
		c.logger.Error("Failed to build message", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	return c.SendMessage(msg)
}

func (c *Client) SendError(code int, msg string) {
	data, err := json.Marshal(ErrorPayload{Code: code, Message: msg})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}

	c.SendMessage(Message{
		Type:      MessageTypeError,
		Data:      data,
		Timestamp: time.Now(),
	})
}
