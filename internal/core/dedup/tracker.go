// Package dedup tracks recently applied operation ids so replayed
// operations can be discarded without re-applying them.
package dedup

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultHighWater is the tracked-entry count that triggers eviction.
const DefaultHighWater = 10_000

// Tracker is a bounded, approximately-LRU set of operation ids. Entries are
// stored as 64-bit hashes; when the set passes the high-water mark the
// oldest half is dropped in one pass. The contract is that an opId seen
// within the retained window is never reported unseen, not that eviction
// order is exact.
type Tracker struct {
	mu        sync.Mutex
	seen      map[uint64]struct{}
	order     []uint64
	highWater int
}

func NewTracker(highWater int) *Tracker {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &Tracker{
		seen:      make(map[uint64]struct{}, highWater),
		order:     make([]uint64, 0, highWater),
		highWater: highWater,
	}
}

// Seen reports whether the opId has been marked and not yet evicted.
func (t *Tracker) Seen(opID string) bool {
	h := xxhash.Sum64String(opID)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[h]
	return ok
}

// Mark records the opId, evicting the oldest half of the set once the
// high-water mark is exceeded.
func (t *Tracker) Mark(opID string) {
	h := xxhash.Sum64String(opID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[h]; ok {
		return
	}
	t.seen[h] = struct{}{}
	t.order = append(t.order, h)

	if len(t.order) > t.highWater {
		half := len(t.order) / 2
		for _, old := range t.order[:half] {
			delete(t.seen, old)
		}
		t.order = append(t.order[:0], t.order[half:]...)
	}
}

// Len returns the number of currently tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
