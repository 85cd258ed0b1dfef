package blob

import (
	"context"
	"sync"
)

// Memory is an in-memory Store for testing and development.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) key(container, item string) string {
	return container + "/" + item
}

func (m *Memory) Read(ctx context.Context, container, item string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[m.key(container, item)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Write(ctx context.Context, container, item string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.items[m.key(container, item)] = stored
	return nil
}
