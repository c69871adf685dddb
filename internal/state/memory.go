package state

import (
	"context"
	"sync"
)

// MemoryStore keeps the object tree and latest values in process memory.
// It is used when no database is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Node
	values  map[string]Value
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]Node),
		values:  make(map[string]Value),
	}
}

func (m *MemoryStore) Object(_ context.Context, path string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.objects[path]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *MemoryStore) CreateObject(_ context.Context, node Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[node.Path]; !ok {
		m.objects[node.Path] = node
	}
	return nil
}

func (m *MemoryStore) SetValue(_ context.Context, path string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[path] = v
	return nil
}

func (m *MemoryStore) Value(_ context.Context, path string) (Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[path]
	if !ok {
		return Value{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Values(_ context.Context, prefix string) (map[string]Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Value)
	for p, v := range m.values {
		if Within(p, prefix) {
			out[p] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTree(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := range m.objects {
		if Within(p, prefix) {
			delete(m.objects, p)
		}
	}
	for p := range m.values {
		if Within(p, prefix) {
			delete(m.values, p)
		}
	}
	return nil
}

// Objects returns the number of stored objects.
func (m *MemoryStore) Objects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryStore) Close() error { return nil }
