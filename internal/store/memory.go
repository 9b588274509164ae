package store

import (
	"context"
	"sync"
)

// MemoryStore implements Store with in-process maps. It is the default
// backend for tests and single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[string]map[string][]byte),
	}
}

// Get retrieves a value by group and key.
func (s *MemoryStore) Get(ctx context.Context, group, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := g[key]
	if !ok {
		return nil, ErrNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Set stores a value under group and key.
func (s *MemoryStore) Set(ctx context.Context, group, key string, value []byte) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		g = make(map[string][]byte)
		s.groups[group] = g
	}
	g[key] = valueCopy
	return nil
}

// Delete removes a key from a group. Deleting a missing key is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, group, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[group]; ok {
		delete(g, key)
	}
	return nil
}

// GetGroup returns all values in a group.
func (s *MemoryStore) GetGroup(ctx context.Context, group string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.groups[group]
	values := make([][]byte, 0, len(g))
	for _, value := range g {
		result := make([]byte, len(value))
		copy(result, value)
		values = append(values, result)
	}
	return values, nil
}

// Clear removes every key in a group.
func (s *MemoryStore) Clear(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, group)
	return nil
}

// Health always returns nil for the memory store.
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close releases all stored data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]map[string][]byte)
	return nil
}
