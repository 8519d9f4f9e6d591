package store

import (
	"context"
	"sync"

	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// MemoryStore is the volatile strategy: a map rebuilt from the start of the
// log on every run. It never fails and only pairs with full replay.
type MemoryStore[T any] struct {
	mu   sync.RWMutex
	data map[string]projection.Event[T]
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{data: make(map[string]projection.Event[T])}
}

// Put overwrites the key unconditionally.
func (m *MemoryStore[T]) Put(_ context.Context, key string, ev projection.Event[T]) error {
	m.mu.Lock()
	m.data[key] = ev
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore[T]) Get(_ context.Context, key string) (projection.Event[T], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.data[key]
	if !ok {
		return projection.Event[T]{}, projection.ErrNotFound
	}
	return ev, nil
}

// Count returns the number of keys.
func (m *MemoryStore[T]) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}

// Snapshot copies the current view.
func (m *MemoryStore[T]) Snapshot() map[string]projection.Event[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]projection.Event[T], len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}
