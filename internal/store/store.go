// Package store provides the grouped key-value state store used by the
// persistence layer, with memory, Redis, and SQL backends.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in a group.
var ErrNotFound = errors.New("store: key not found")

// Store is a grouped key-value store. Keys are unique within a group;
// values are opaque byte slices (the persistence layer stores JSON).
type Store interface {
	Get(ctx context.Context, group, key string) ([]byte, error)
	Set(ctx context.Context, group, key string, value []byte) error
	Delete(ctx context.Context, group, key string) error

	// GetGroup returns all values in a group, in unspecified order.
	GetGroup(ctx context.Context, group string) ([][]byte, error)

	// Clear removes every key in a group.
	Clear(ctx context.Context, group string) error

	Health(ctx context.Context) error
	Close() error
}

// Config holds store configuration.
type Config struct {
	// Type is the backend type: "memory", "redis", "sqlite", or "postgres".
	Type string

	// Redis configuration.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Prefix is prepended to every group name (shared Redis instances).
	Prefix string

	// SQLitePath is the database file path ("" means in-memory).
	SQLitePath string

	// PostgresDSN is the lib/pq connection string.
	PostgresDSN string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:      "memory",
		RedisAddr: "localhost:6379",
	}
}

// New creates a store instance based on configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg)
	case "sqlite", "postgres":
		return NewSQLStore(cfg)
	default:
		return nil, errors.New("unsupported store type: " + cfg.Type)
	}
}
