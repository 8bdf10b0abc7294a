// Package storage is the persistence port: durable get/set of serialized
// table snapshots, keyed by (namespace, table). Durability is best-effort
// from the engine's point of view; backends only need atomic single-key
// writes, no transactions.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no snapshot exists for the table.
var ErrNotFound = errors.New("storage: table snapshot not found")

// Store persists one opaque snapshot blob per table.
type Store interface {
	Get(ctx context.Context, table string) ([]byte, error)
	Set(ctx context.Context, table string, payload []byte) error
	Close() error
}
