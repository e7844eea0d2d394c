package buffer

import (
	"context"
	"sync"

	"github.com/example/twodo-sync-engine/internal/types"
)

// MemoryStore is an in-process durable store used in tests and for running
// without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	buffers map[types.DocumentID][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buffers: make(map[types.DocumentID][]byte)}
}

// Write stores a copy of the buffer.
func (m *MemoryStore) Write(_ context.Context, doc types.DocumentID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[doc] = append([]byte(nil), data...)
	return nil
}

// Read returns a copy of the stored buffer, reporting absence without error.
func (m *MemoryStore) Read(_ context.Context, doc types.DocumentID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buffers[doc]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}
