package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps one snapshot row per (namespace, table). Writes are
// upserts, so the latest snapshot always wins.
type PostgresStore struct {
	db        *sql.DB
	namespace string
}

// NewPostgresStore connects, verifies the connection and ensures the
// snapshot table exists.
func NewPostgresStore(ctx context.Context, dsn, namespace string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	const create = `
		CREATE TABLE IF NOT EXISTS sync_tables (
			namespace  TEXT NOT NULL,
			table_name TEXT NOT NULL,
			snapshot   BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, table_name)
		)`
	if _, err := db.ExecContext(pingCtx, create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}

	return &PostgresStore{db: db, namespace: namespace}, nil
}

func (s *PostgresStore) Get(ctx context.Context, table string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	const query = `SELECT snapshot FROM sync_tables WHERE namespace = $1 AND table_name = $2`
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, s.namespace, table).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *PostgresStore) Set(ctx context.Context, table string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	const query = `
		INSERT INTO sync_tables (namespace, table_name, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, table_name)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, s.namespace, table, payload)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
