package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "ops:dedupe:"

// RedisStore 多个 api 实例共享的去重存储
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore client 由调用方持有，Close 不关闭它
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, redisPrefix+key, 1, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisPrefix+key).Err()
}

func (s *RedisStore) Close() error { return nil }
