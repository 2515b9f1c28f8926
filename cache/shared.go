package cache

import (
	"context"
	"sync"
)

// SharedStore is the middle cache layer: a key-value store shared between
// worker processes. The in-memory implementation serves single-process
// deployments; the NATS JetStream implementation serves deployments that
// already run a NATS server.
type SharedStore interface {
	// Get returns the serialized entry for the key, or ok=false on miss.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Set stores the serialized entry.
	Set(ctx context.Context, key string, data []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
}

// memoryShared is the default single-process SharedStore.
type memoryShared struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryShared creates an in-memory SharedStore.
func NewMemoryShared() SharedStore {
	return &memoryShared{entries: make(map[string][]byte)}
}

func (s *memoryShared) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *memoryShared) Set(_ context.Context, key string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = stored
	return nil
}

func (s *memoryShared) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryShared) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, nil
}
