package server

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements PresenceStore and Sequencer on one redis client.
//
// Keys:
//
//	cw:presence:<user>        -> gateway id, TTL bounds online validity
//	cw:read:<room>:<user>     -> last read message id
//	cw:seq:<room>             -> room message sequence (INCR)
type RedisStore struct {
	rdb *redis.Client
}

type RedisConf struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(c RedisConf) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func presenceKey(user string) string   { return "cw:presence:" + user }
func readKey(room, user string) string { return "cw:read:" + room + ":" + user }
func seqKey(room string) string        { return "cw:seq:" + room }

func (s *RedisStore) Online(ctx context.Context, userID, gatewayID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, presenceKey(userID), gatewayID, ttl).Err()
}

func (s *RedisStore) Offline(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, presenceKey(userID)).Err()
}

func (s *RedisStore) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) MarkRead(ctx context.Context, roomID, userID string, messageID int64, at time.Time) error {
	return s.rdb.Set(ctx, readKey(roomID, userID), messageID, 0).Err()
}

func (s *RedisStore) ReadCursor(ctx context.Context, roomID, userID string) (int64, error) {
	val, err := s.rdb.Get(ctx, readKey(roomID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// NextMessageID allocates the next id in the room's sequence. INCR is the
// single ordering point that makes ids strictly increasing across nodes.
func (s *RedisStore) NextMessageID(ctx context.Context, roomID string) (int64, error) {
	return s.rdb.Incr(ctx, seqKey(roomID)).Result()
}
