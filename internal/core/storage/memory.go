package storage

import (
	"context"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a non-durable backend used by tests and development setups.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailWrites makes Set return an error; lets tests exercise the
	// best-effort persistence path.
	FailWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, table string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.data[table]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, table string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites {
		return errFailedWrite
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.data[table] = cp
	return nil
}

func (s *MemoryStore) Close() error { return nil }
