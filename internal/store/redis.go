package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis, mapping each group to a hash.
type RedisStore struct {
	client *redis.Client
	config Config
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &RedisStore{client: client, config: cfg}, nil
}

func (s *RedisStore) groupKey(group string) string {
	if s.config.Prefix != "" {
		return s.config.Prefix + ":" + group
	}
	return group
}

// Get retrieves a value from the group's hash.
func (s *RedisStore) Get(ctx context.Context, group, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.groupKey(group), key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

// Set stores a value in the group's hash.
func (s *RedisStore) Set(ctx context.Context, group, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.groupKey(group), key, value).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Delete removes a field from the group's hash.
func (s *RedisStore) Delete(ctx context.Context, group, key string) error {
	if err := s.client.HDel(ctx, s.groupKey(group), key).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

// GetGroup returns all values in the group's hash.
func (s *RedisStore) GetGroup(ctx context.Context, group string) ([][]byte, error) {
	fields, err := s.client.HGetAll(ctx, s.groupKey(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	values := make([][]byte, 0, len(fields))
	for _, v := range fields {
		values = append(values, []byte(v))
	}
	return values, nil
}

// Clear removes the group's hash entirely.
func (s *RedisStore) Clear(ctx context.Context, group string) error {
	if err := s.client.Del(ctx, s.groupKey(group)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Health pings the Redis server.
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
