package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps snapshots as namespace-prefixed string keys.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) key(table string) string {
	return s.namespace + ":" + table
}

func (s *RedisStore) Get(ctx context.Context, table string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.key(table)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *RedisStore) Set(ctx context.Context, table string, payload []byte) error {
	return s.client.Set(ctx, s.key(table), payload, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
