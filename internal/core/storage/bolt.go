package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var _ Store = (*BoltStore)(nil)

// BoltStore is the default embedded backend. Each namespace maps to one
// bucket; each table is one key inside it.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltStore opens (or creates) the database file and the namespace bucket.
func NewBoltStore(path, namespace string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	bucket := []byte(namespace)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create namespace bucket: %w", err)
	}

	return &BoltStore{db: db, bucket: bucket}, nil
}

func (s *BoltStore) Get(_ context.Context, table string) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(table))
		if v == nil {
			return ErrNotFound
		}
		payload = make([]byte, len(v))
		copy(payload, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *BoltStore) Set(_ context.Context, table string, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(table), payload)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
