package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed       = errors.New("client is closed")
	ErrNotConnected       = errors.New("client is not connected")
	ErrAlreadyConnected   = errors.New("client is already connected")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	ErrUnknownTransport   = errors.New("unknown transport kind")
)
