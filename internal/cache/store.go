package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Store is a TTL cache over JSON-encoded values.
type Store interface {
	// Get unmarshals the cached value into dest and reports whether the
	// key was present.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// GetOrSet returns the cached value on hit; on miss it runs compute,
	// writes the result back with ttl and fills dest with it. The bool
	// reports whether the value came from cache.
	GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, compute func() (interface{}, error)) (bool, error)
}

// RedisStore is the production Store backed by Redis.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStore(client *redis.Client, logger *logrus.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, compute func() (interface{}, error)) (bool, error) {
	hit, err := s.Get(ctx, key, dest)
	if err != nil {
		// A broken cache read degrades to a recompute rather than
		// failing the caller.
		s.logger.WithError(err).WithField("key", key).Warn("Cache read failed")
	}
	if hit {
		return true, nil
	}

	value, err := compute()
	if err != nil {
		return false, err
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Cache write failed")
	}
	return false, roundTrip(value, dest)
}

// roundTrip copies value into dest through JSON, matching what a later
// cache hit would produce.
func roundTrip(value, dest interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
