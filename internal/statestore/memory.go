package statestore

import (
	"errors"
	"sync"
)

// MemoryBackend implements Backend with an in-process map.
type MemoryBackend struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{payloads: make(map[string][]byte)}
}

// Save stores a copy of data under id.
func (b *MemoryBackend) Save(id string, data []byte) error {
	if id == "" {
		return errors.New("statestore: empty id")
	}
	copied := append([]byte(nil), data...)
	b.mu.Lock()
	b.payloads[id] = copied
	b.mu.Unlock()
	return nil
}

// Load returns a copy of the payload stored under id.
func (b *MemoryBackend) Load(id string) ([]byte, error) {
	b.mu.RLock()
	data, ok := b.payloads[id]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the payloads stored under ids.
func (b *MemoryBackend) Delete(ids ...string) error {
	b.mu.Lock()
	for _, id := range ids {
		delete(b.payloads, id)
	}
	b.mu.Unlock()
	return nil
}

// Len returns the number of stored payloads.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.payloads)
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// Ensure MemoryBackend implements Backend at compile time
var _ Backend = (*MemoryBackend)(nil)
