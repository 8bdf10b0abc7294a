// Package transport is the message transport port: duplex, discrete-message
// channels between the server and named peers. The sync engine consumes
// connect/message/disconnect events and sends through Peer handles; it never
// sees sockets.
package transport

import (
	"context"
	"errors"
	"net"
)

var (
	ErrPeerClosed         = errors.New("transport: peer is closed")
	ErrTransportRunning   = errors.New("transport: already running")
	ErrTransportStopped   = errors.New("transport: not running")
	ErrMessageTooLarge    = errors.New("transport: message exceeds size limit")
	ErrConnectionClosed   = errors.New("transport: connection closed")
	ErrUnknownTransport   = errors.New("transport: unknown transport kind")
	ErrMissingCertificate = errors.New("transport: TLS certificate required")
)

// Peer is one connected remote client as seen by the server. Send is safe
// for concurrent use.
type Peer interface {
	ID() string
	Send(data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Handler receives transport events. Implementations must not block for
// long; HandleMessage is called from per-peer read loops.
type Handler interface {
	HandleConnect(peer Peer)
	HandleMessage(peer Peer, data []byte)
	HandleDisconnect(peer Peer)
}

// Transport accepts peer connections and delivers their messages to a
// Handler.
type Transport interface {
	Start(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
	Addr() net.Addr
}

// Conn is the client side of the port: a single duplex message channel to
// the server. ReadMessage blocks until a message or a connection error.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}
