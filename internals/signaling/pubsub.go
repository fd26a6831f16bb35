package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const RoomChannelPrefix = "meshcall:room:"

// PubSubMessage wraps a signaling message with the publishing instance.
type PubSubMessage struct {
	InstanceID string  `msgpack:"instance_id"`
	Message    Message `msgpack:"message"`
}

// PubSubManager fans signaling out to hub instances sharing one Redis. Each
// instance subscribes to the rooms it has local members in and delivers
// messages addressed to its own connections.
type PubSubManager struct {
	redis      *redis.Client
	hub        *Hub
	instanceID string
	logger     *zap.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPubSubManager(redisClient *redis.Client, hub *Hub, instanceID string, logger *zap.Logger) *PubSubManager {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &PubSubManager{
		redis:      redisClient,
		hub:        hub,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]*redis.PubSub),
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info("PubSub manager initialized", zap.String("instance_id", instanceID))
	return pm
}

func RoomChannel(roomName string) string {
	return RoomChannelPrefix + roomName
}

func (p *PubSubManager) PublishToRoom(roomName string, msg Message) error {
	data, err := msgpack.Marshal(&PubSubMessage{InstanceID: p.instanceID, Message: msg})
	if err != nil {
		return err
	}

	if err := p.redis.Publish(p.ctx, RoomChannel(roomName), data).Err(); err != nil {
		p.logger.Warn("Failed to publish to Redis",
			zap.String("room", roomName),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// SubscribeToRoom returns once Redis has confirmed the subscription.
func (p *PubSubManager) SubscribeToRoom(roomName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.subs[roomName]; exists {
		return nil
	}

	sub := p.redis.Subscribe(p.ctx, RoomChannel(roomName))
	if _, err := sub.Receive(p.ctx); err != nil {
		sub.Close()
		return err
	}
	p.subs[roomName] = sub

	go p.listenToChannel(roomName, sub)
	return nil
}

func (p *PubSubManager) UnsubscribeFromRoom(roomName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subs[roomName]
	if !exists {
		return
	}
	if err := sub.Close(); err != nil {
		p.logger.Warn("Error closing subscription", zap.String("room", roomName), zap.Error(err))
	}
	delete(p.subs, roomName)
}

func (p *PubSubManager) listenToChannel(roomName string, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.handlePubSubMessage(roomName, msg)
		}
	}
}

func (p *PubSubManager) handlePubSubMessage(roomName string, redisMsg *redis.Message) {
	var pubMsg PubSubMessage
	if err := msgpack.Unmarshal([]byte(redisMsg.Payload), &pubMsg); err != nil {
		p.logger.Warn("Failed to decode pub/sub message", zap.String("room", roomName), zap.Error(err))
		return
	}

	if pubMsg.InstanceID == p.instanceID {
		return
	}

	p.deliverToLocalClients(roomName, pubMsg.Message)
}

func (p *PubSubManager) deliverToLocalClients(roomName string, msg Message) {
	if !msg.To.IsZero() {
		p.hub.SendTo(msg.To, msg)
		return
	}
	for _, client := range p.hub.GetClientsByRoom(roomName) {
		if client.ID == msg.From {
			continue
		}
		client.SendMessage(msg)
	}
}

func (p *PubSubManager) InstanceID() string {
	return p.instanceID
}

func (p *PubSubManager) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	for roomName, sub := range p.subs {
		if err := sub.Close(); err != nil {
			p.logger.Warn("Error closing subscription during shutdown", zap.String("room", roomName), zap.Error(err))
		}
	}
	p.subs = make(map[string]*redis.PubSub)
	return nil
}

func (p *PubSubManager) Ping() error {
	ctx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()
	return p.redis.Ping(ctx).Err()
}
