package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/ports"
	"github.com/redis/go-redis/v9"
)

var deleteIfEqual = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Redis (or Valkey) implementation of the Store interface
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL creates a client from a redis:// URL
func NewRedisStoreFromURL(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", core.ErrStoreUnavailable, op, key, err)
}

// Connect checks that Redis is reachable
func (s *RedisStore) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", core.ErrStoreUnavailable, err)
	}
	return nil
}

// Get retrieves a value by key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", core.ErrNotFound, key)
		}
		return "", unavailable("get", key, err)
	}
	return value, nil
}

// Set stores a key with a value and expiration time
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Exists checks if a key exists in Redis
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", key, err)
	}
	return n > 0, nil
}

// Delete removes a key from Redis
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable("del", key, err)
	}
	return n > 0, nil
}

// DeleteIfEqual compares and deletes in one script so no other client can
// replace the value in between
func (s *RedisStore) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEqual.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, unavailable("delifeq", key, err)
	}
	return n > 0, nil
}

// IncrementBy runs INCRBY, which keeps any ttl already set on the key
func (s *RedisStore) IncrementBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, unavailable("incrby", key, err)
	}
	return v, nil
}

// Client returns the Redis client so the event publisher can share it
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection. The client may already have been
// closed by a publisher sharing it.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

var _ ports.Store = (*RedisStore)(nil)
