package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harborchat/relay-service/internal/domain"
)

// MemoryStore is the in-process attachment store for single-node runs and
// tests. Blobs are kept serialized so rehydration exercises the same decode
// path as the Redis backend.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, connID string, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment: %w", err)
	}
	m.mu.Lock()
	m.blobs[connID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, connID string) (*domain.Session, error) {
	m.mu.RLock()
	data, ok := m.blobs[connID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("malformed attachment for %s: %w", connID, err)
	}
	return &sess, nil
}

func (m *MemoryStore) Delete(_ context.Context, connID string) error {
	m.mu.Lock()
	delete(m.blobs, connID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
