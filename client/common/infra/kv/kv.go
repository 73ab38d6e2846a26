package kv

import (
	"context"
	"sync"
)

// Store is a small persistent key/value map. SetMany and Delete must apply
// all keys or none.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetMany(ctx context.Context, entries map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{items: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) SetMany(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.items[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
