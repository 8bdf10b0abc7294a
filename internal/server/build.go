package server

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/core/storage"
	"github.com/driftsync/driftsync/internal/core/transport"
)

// BuildStore constructs the configured persistence backend. A backend that
// cannot be opened is a startup-fatal condition for the caller.
func BuildStore(ctx context.Context, config StorageConfig) (storage.Store, error) {
	switch config.Backend {
	case "bolt":
		return storage.NewBoltStore(config.Path, config.Namespace)
	case "postgres":
		return storage.NewPostgresStore(ctx, config.DSN, config.Namespace)
	case "redis":
		return storage.NewRedisStore(ctx, config.Addr, config.Namespace)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorageBackend, config.Backend)
	}
}

// BuildTransport constructs the configured transport.
func BuildTransport(config Config, logger log.Log) (transport.Transport, error) {
	switch config.Transport {
	case "websocket":
		wsConfig := transport.DefaultWebSocketConfig()
		wsConfig.Addr = config.ListenAddr
		if config.Path != "" {
			wsConfig.Path = config.Path
		}
		wsConfig.MaxMessageSize = config.MaxMessageSize
		return transport.NewWebSocketTransport(wsConfig, logger), nil
	case "quic":
		quicConfig := transport.DefaultQUICConfig()
		quicConfig.Addr = config.ListenAddr
		quicConfig.CertFile = config.CertFile
		quicConfig.KeyFile = config.KeyFile
		return transport.NewQUICTransport(quicConfig, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransportKind, config.Transport)
	}
}
