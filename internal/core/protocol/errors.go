package protocol

import "errors"

// Protocol-boundary errors. These surface to clients as error messages, not
// as closed connections.
var (
	ErrMalformedMessage    = errors.New("invalid message format")
	ErrMalformedPayload    = errors.New("invalid operation payload")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrUnknownOperation    = errors.New("unknown operation kind")
	ErrOperationIncomplete = errors.New("operation requires table and payload")
	ErrMissingTable        = errors.New("request requires table name")
)
