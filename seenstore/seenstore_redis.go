package seenstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

var redisSeenPrefix = "tweetbot/seen/"
var redisCursorPrefix = "tweetbot/cursor/"

// RedisSeenStore keeps seen ids in redis with a local TinyLFU in front, so a
// restarted bot does not answer the same mention twice. Cursors do not expire.
type RedisSeenStore struct {
	Client *redis.Client
	Data   *cache.Cache
	TTL    time.Duration
}

var _ SeenStore = (*RedisSeenStore)(nil)

func NewRedisSeenStore(redisURL string, ttl time.Duration) (*RedisSeenStore, error) {
	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return NewRedisSeenStoreFromClient(rdb, ttl), nil
}

func NewRedisSeenStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisSeenStore {
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisSeenStore{
		Client: rdb,
		Data:   data,
		TTL:    ttl,
	}
}

func (s *RedisSeenStore) Seen(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.Data.Get(ctx, redisSeenPrefix+id, &v)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v, nil
}

func (s *RedisSeenStore) MarkSeen(ctx context.Context, id string) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisSeenPrefix + id,
		Value: true,
		TTL:   s.TTL,
	})
}

func (s *RedisSeenStore) GetCursor(ctx context.Context, name string) (string, error) {
	val, err := s.Client.Get(ctx, redisCursorPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisSeenStore) SetCursor(ctx context.Context, name, val string) error {
	return s.Client.Set(ctx, redisCursorPrefix+name, val, 0).Err()
}
