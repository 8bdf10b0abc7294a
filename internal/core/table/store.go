// Package table holds the authoritative, versioned key-value state for every
// table resident in this process. All mutation goes through Apply, which is
// what keeps the version counter an exact count of applied operations.
package table

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/driftsync/driftsync/internal/core/protocol"
	"github.com/driftsync/driftsync/internal/core/storage"
)

// State is the in-memory authoritative state of one table.
type State struct {
	Version      uint64
	LastModified int64
	Data         map[string]json.RawMessage
}

// Snapshot is an immutable copy of a table's state, safe to hand to callers
// that outlive the next mutation.
type Snapshot struct {
	Table        string
	Version      uint64
	LastModified int64
	Data         map[string]json.RawMessage
}

// persistedState is the serialized snapshot shape written to the
// persistence port.
type persistedState struct {
	Version      uint64                     `json:"version"`
	LastModified int64                      `json:"lastModified"`
	Data         map[string]json.RawMessage `json:"data"`
}

// Store owns every resident table. A table name is hydrated from backing
// storage at most once per process; after that the in-memory state is the
// only authority.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*State
	backing storage.Store
	loads   singleflight.Group
}

func NewStore(backing storage.Store) *Store {
	return &Store{
		tables:  make(map[string]*State),
		backing: backing,
	}
}

// GetOrCreate returns the resident table, hydrating it from backing storage
// on first access. Concurrent first accesses collapse into a single load.
func (s *Store) GetOrCreate(ctx context.Context, name string) (*State, error) {
	s.mu.RLock()
	state, ok := s.tables[name]
	s.mu.RUnlock()
	if ok {
		return state, nil
	}

	v, err, _ := s.loads.Do(name, func() (any, error) {
		// Re-check residency: another load may have won between the
		// RUnlock above and entering singleflight.
		s.mu.RLock()
		existing, ok := s.tables[name]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}

		loaded, err := s.hydrate(ctx, name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.tables[name] = loaded
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

// hydrate loads a persisted snapshot, or starts the table empty at version 0
// when no snapshot exists.
func (s *Store) hydrate(ctx context.Context, name string) (*State, error) {
	payload, err := s.backing.Get(ctx, name)
	if err == storage.ErrNotFound {
		return &State{
			Version:      0,
			LastModified: protocol.NowMillis(),
			Data:         make(map[string]json.RawMessage),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load table %q: %w", name, err)
	}

	var stored persistedState
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("decode table %q snapshot: %w", name, err)
	}
	if stored.Data == nil {
		stored.Data = make(map[string]json.RawMessage)
	}
	return &State{
		Version:      stored.Version,
		LastModified: stored.LastModified,
		Data:         stored.Data,
	}, nil
}

// Apply mutates the table with one validated operation and returns the new
// version and timestamp. Every distinct operation is one state transition:
// deleting an absent key still advances the version, so a replayed opId can
// be recognized as a duplicate rather than silently re-applied.
func (s *Store) Apply(ctx context.Context, op protocol.Operation) (version uint64, timestamp int64, err error) {
	state, err := s.GetOrCreate(ctx, op.Table)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Kind {
	case protocol.OpSet:
		state.Data[op.Key] = op.Value
	case protocol.OpDelete:
		delete(state.Data, op.Key)
	default:
		return 0, 0, protocol.ErrUnknownOperation
	}

	state.Version++
	state.LastModified = protocol.NowMillis()
	return state.Version, state.LastModified, nil
}

// Snapshot returns an immutable copy of the table's current state.
func (s *Store) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	state, err := s.GetOrCreate(ctx, name)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make(map[string]json.RawMessage, len(state.Data))
	for k, v := range state.Data {
		data[k] = v
	}
	return Snapshot{
		Table:        name,
		Version:      state.Version,
		LastModified: state.LastModified,
		Data:         data,
	}, nil
}

// Persist writes the table's current snapshot to backing storage.
func (s *Store) Persist(ctx context.Context, name string) error {
	s.mu.RLock()
	state, ok := s.tables[name]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	payload, err := json.Marshal(persistedState{
		Version:      state.Version,
		LastModified: state.LastModified,
		Data:         state.Data,
	})
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode table %q snapshot: %w", name, err)
	}

	return s.backing.Set(ctx, name, payload)
}

// Count returns the number of resident tables.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}
