package server

import "errors"

var (
	ErrServerClosed          = errors.New("server is closed")
	ErrServerAlreadyRunning  = errors.New("server is already running")
	ErrServerNotRunning      = errors.New("server is not running")
	ErrUnknownTransportKind  = errors.New("unknown transport kind")
	ErrUnknownStorageBackend = errors.New("unknown storage backend")
	ErrMissingListenAddr     = errors.New("listen address is required")
)
