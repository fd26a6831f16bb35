package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/adityaadpandey/meshcall/internals/room"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// pruneMembers drops members whose owning instance stopped heartbeating.
// Expects KEYS as in roomKeys and a local instancePrefix.
const pruneMembers = `
local pruned = {}
local presenterCleared = 0
local owners = redis.call('HGETALL', KEYS[6])
for i = 1, #owners, 2 do
  if redis.call('EXISTS', instancePrefix .. owners[i + 1]) == 0 then
    redis.call('ZREM', KEYS[1], owners[i])
    redis.call('HDEL', KEYS[6], owners[i])
    if redis.call('GET', KEYS[3]) == owners[i] then
      redis.call('DEL', KEYS[3])
      presenterCleared = 1
    end
    table.insert(pruned, owners[i])
  end
end
`

// KEYS: members, rooms, presenter, seq, created, owners
// ARGV: peer id, capacity, room name, unix millis, instance id, instance prefix
var joinScript = redis.NewScript(`
local instancePrefix = ARGV[6]
` + pruneMembers + `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  if ARGV[5] ~= '' then
    redis.call('HSET', KEYS[6], ARGV[1], ARGV[5])
  end
  return {1, redis.call('ZRANGE', KEYS[1], 0, -1), pruned, presenterCleared}
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return {-1, {}, pruned, presenterCleared}
end
local existing = redis.call('ZRANGE', KEYS[1], 0, -1)
local seq = redis.call('INCR', KEYS[4])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SETNX', KEYS[5], ARGV[4])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[6], ARGV[1], ARGV[5])
end
return {0, existing, pruned, presenterCleared}
`)

// KEYS: members, rooms, presenter, seq, created, owners
// ARGV: peer id, room name
var leaveScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
local wasPresenter = 0
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
  wasPresenter = 1
end
local remaining = redis.call('ZRANGE', KEYS[1], 0, -1)
if #remaining == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
  redis.call('DEL', KEYS[3], KEYS[4], KEYS[5], KEYS[6])
end
return {removed, wasPresenter, remaining}
`)

// KEYS: members, rooms, presenter, seq, created, owners
// ARGV: instance prefix, room name
var expireScript = redis.NewScript(`
local instancePrefix = ARGV[1]
` + pruneMembers + `
local remaining = redis.call('ZRANGE', KEYS[1], 0, -1)
if #remaining == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
  redis.call('DEL', KEYS[3], KEYS[4], KEYS[5], KEYS[6])
end
return {pruned, presenterCleared, remaining}
`)

// KEYS: presenter. ARGV: peer id
var clearPresenterScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisStore implements room.Store on Redis so several hub instances share
// one membership view. Capacity checks run inside Lua scripts and are atomic
// across instances.
type RedisStore struct {
	redis  *redis.Client
	logger *zap.Logger

	instanceID string
	memberTTL  time.Duration
}

// Expired describes the members a room lost because their instance died.
type Expired struct {
	Peers        []domain.PeerID
	WasPresenter bool
	Remaining    []domain.PeerID
}

var _ room.Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", addr),
		zap.Int("db", db),
	)

	return NewRedisStoreFromClient(client, logger), nil
}

func NewRedisStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{redis: client, logger: logger}
}

// WithInstance records every member joined through this store as owned by
// instanceID. Those members expire memberTTL after the last Heartbeat.
func (s *RedisStore) WithInstance(instanceID string, memberTTL time.Duration) *RedisStore {
	s.instanceID = instanceID
	s.memberTTL = memberTTL
	return s
}

// Heartbeat keeps this instance's members alive for another memberTTL.
func (s *RedisStore) Heartbeat(ctx context.Context) error {
	if s.instanceID == "" {
		return nil
	}
	return s.observe(func() error {
		return s.redis.Set(ctx, InstanceKey(s.instanceID), time.Now().UnixMilli(), s.memberTTL).Err()
	})
}

// Release drops the heartbeat so other instances prune whatever this one
// still owns without waiting for the TTL.
func (s *RedisStore) Release(ctx context.Context) error {
	if s.instanceID == "" {
		return nil
	}
	return s.observe(func() error {
		return s.redis.Del(ctx, InstanceKey(s.instanceID)).Err()
	})
}

// RoomNames lists every room with members on any instance.
func (s *RedisStore) RoomNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.observe(func() error {
		var err error
		names, err = s.redis.SMembers(ctx, KeyRooms).Result()
		return err
	})
	sort.Strings(names)
	return names, err
}

// ExpireRoom prunes members of name whose instance stopped heartbeating and
// deletes the room once it is empty.
func (s *RedisStore) ExpireRoom(ctx context.Context, name string) (Expired, error) {
	var res Expired
	err := s.observe(func() error {
		raw, err := expireScript.Run(ctx, s.redis, roomKeys(name), KeyPrefixInstance, name).Slice()
		if err != nil {
			return err
		}
		if len(raw) != 3 {
			return fmt.Errorf("unexpected expire reply: %v", raw)
		}
		cleared, _ := raw[1].(int64)
		res.Peers = toPeerIDs(raw[0])
		res.WasPresenter = cleared == 1
		res.Remaining = toPeerIDs(raw[2])
		return nil
	})
	if len(res.Peers) > 0 {
		s.logger.Info("Expired members of a dead instance",
			zap.String("room", name),
			zap.Int("expired", len(res.Peers)),
		)
	}
	return res, err
}

func (s *RedisStore) Join(ctx context.Context, name string, id domain.PeerID, capacity int) (room.JoinResult, error) {
	var res room.JoinResult
	err := s.observe(func() error {
		raw, err := joinScript.Run(ctx, s.redis, roomKeys(name),
			id.String(), capacity, name, time.Now().UnixMilli(), s.instanceID, KeyPrefixInstance).Slice()
		if err != nil {
			return err
		}
		if len(raw) != 4 {
			return fmt.Errorf("unexpected join reply: %v", raw)
		}

		cleared, _ := raw[3].(int64)
		res.Expired = toPeerIDs(raw[2])
		res.ExpiredPresenter = cleared == 1

		status, _ := raw[0].(int64)
		switch status {
		case -1:
			return room.ErrRoomFull
		case 1:
			res.AlreadyMember = true
		}
		res.Existing = without(toPeerIDs(raw[1]), id)
		return nil
	})
	return res, err
}

func (s *RedisStore) Leave(ctx context.Context, name string, id domain.PeerID) (room.LeaveResult, error) {
	var res room.LeaveResult
	err := s.observe(func() error {
		raw, err := leaveScript.Run(ctx, s.redis, roomKeys(name), id.String(), name).Slice()
		if err != nil {
			return err
		}
		if len(raw) != 3 {
			return fmt.Errorf("unexpected leave reply: %v", raw)
		}
		removed, _ := raw[0].(int64)
		wasPresenter, _ := raw[1].(int64)
		res.WasMember = removed == 1
		res.WasPresenter = wasPresenter == 1
		res.Remaining = toPeerIDs(raw[2])
		return nil
	})
	return res, err
}

func (s *RedisStore) Members(ctx context.Context, name string) ([]domain.PeerID, error) {
	var members []domain.PeerID
	err := s.observe(func() error {
		ids, err := s.redis.ZRange(ctx, RoomMembersKey(name), 0, -1).Result()
		if err != nil {
			return err
		}
		members = domain.PeerIDs(ids)
		return nil
	})
	return members, err
}

func (s *RedisStore) SetPresenter(ctx context.Context, name string, id domain.PeerID) error {
	return s.observe(func() error {
		exists, err := s.redis.Exists(ctx, RoomMembersKey(name)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return room.ErrRoomNotFound
		}
		return s.redis.Set(ctx, RoomPresenterKey(name), id.String(), 0).Err()
	})
}

func (s *RedisStore) ClearPresenter(ctx context.Context, name string, id domain.PeerID) (bool, error) {
	var cleared bool
	err := s.observe(func() error {
		n, err := clearPresenterScript.Run(ctx, s.redis, []string{RoomPresenterKey(name)}, id.String()).Int()
		if err != nil {
			return err
		}
		cleared = n == 1
		return nil
	})
	return cleared, err
}

func (s *RedisStore) Presenter(ctx context.Context, name string) (domain.PeerID, error) {
	var presenter domain.PeerID
	err := s.observe(func() error {
		v, err := s.redis.Get(ctx, RoomPresenterKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		presenter = domain.PeerID(v)
		return nil
	})
	return presenter, err
}

func (s *RedisStore) Get(ctx context.Context, name string) (room.Info, error) {
	members, err := s.Members(ctx, name)
	if err != nil {
		return room.Info{}, err
	}
	if len(members) == 0 {
		return room.Info{}, room.ErrRoomNotFound
	}

	info := room.Info{Name: name, Members: members}
	presenter, err := s.Presenter(ctx, name)
	if err != nil {
		return room.Info{}, err
	}
	if !presenter.IsZero() {
		info.Presenter = &presenter
	}

	if v, err := s.redis.Get(ctx, RoomCreatedKey(name)).Result(); err == nil {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.CreatedAt = time.UnixMilli(ms)
		}
	}
	return info, nil
}

func (s *RedisStore) List(ctx context.Context) ([]room.Info, error) {
	names, err := s.redis.SMembers(ctx, KeyRooms).Result()
	if err != nil {
		metrics.RedisErrorsTotal.Inc()
		return nil, err
	}
	sort.Strings(names)

	infos := make([]room.Info, 0, len(names))
	for _, name := range names {
		info, err := s.Get(ctx, name)
		if errors.Is(err, room.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to load room", zap.String("room", name), zap.Error(err))
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.redis.SCard(ctx, KeyRooms).Result()
	if err != nil {
		metrics.RedisErrorsTotal.Inc()
		return 0, err
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Client exposes the connection for pub/sub.
func (s *RedisStore) Client() *redis.Client {
	return s.redis
}

func (s *RedisStore) Close() error {
	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	return nil
}

// observe records latency and counts errors other than the domain sentinels.
func (s *RedisStore) observe(op func() error) error {
	start := time.Now()
	err := op()
	failed := err
	if errors.Is(err, room.ErrRoomFull) || errors.Is(err, room.ErrRoomNotFound) {
		failed = nil
	}
	metrics.RecordRedis(float64(time.Since(start).Microseconds())/1000, failed)
	return err
}

func toPeerIDs(v interface{}) []domain.PeerID {
	items, _ := v.([]interface{})
	out := make([]domain.PeerID, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, domain.PeerID(s))
		}
	}
	return out
}

func without(ids []domain.PeerID, id domain.PeerID) []domain.PeerID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
