// Package protocol defines the wire contract between sync clients and the
// server: a single tagged message envelope plus the typed operation payload.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the Message union.
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeOperation   MessageType = "operation"
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeUpdate      MessageType = "update"
	MessageTypeError       MessageType = "error"
)

// Message is the wire envelope. Payload shape depends on Type: an operation
// carries {key, value, operation}, a snapshot carries the full key-value map.
type Message struct {
	Type          MessageType     `json:"type"`
	Table         string          `json:"table"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OpID          string          `json:"opId,omitempty"`
	OriginID      string          `json:"originId,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	TableVersion  uint64          `json:"tableVersion,omitempty"`
	Subscriptions []string        `json:"subscriptions,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Encode serializes the message for the transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a raw transport payload into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrMalformedMessage
	}
	return &msg, nil
}

// Tables returns the table names a subscribe message refers to, supporting
// both the single-table and subscription-list forms.
func (m *Message) Tables() []string {
	if len(m.Subscriptions) > 0 {
		return m.Subscriptions
	}
	if m.Table != "" {
		return []string{m.Table}
	}
	return nil
}

// NewErrorMessage builds the error reply sent to a misbehaving client.
func NewErrorMessage(reason string) *Message {
	return &Message{
		Type:  MessageTypeError,
		Table: "",
		Error: reason,
	}
}

// NewSnapshotMessage builds the snapshot reply for a table.
func NewSnapshotMessage(table string, data map[string]json.RawMessage, version uint64, lastModified int64) (*Message, error) {
	if data == nil {
		data = map[string]json.RawMessage{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:         MessageTypeSnapshot,
		Table:        table,
		Payload:      payload,
		TableVersion: version,
		Timestamp:    lastModified,
	}, nil
}

// NewUpdateMessage builds the push notification broadcast to every other
// subscriber after an operation is applied.
func NewUpdateMessage(op Operation, version uint64, timestamp int64) (*Message, error) {
	payload, err := json.Marshal(opPayload{
		Key:       op.Key,
		Value:     op.Value,
		Operation: string(op.Kind),
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:         MessageTypeUpdate,
		Table:        op.Table,
		Payload:      payload,
		OpID:         op.OpID,
		OriginID:     op.OriginID,
		Timestamp:    timestamp,
		TableVersion: version,
	}, nil
}

// GenerateClientID produces a server-assigned peer identity.
func GenerateClientID() string {
	return uuid.NewString()
}

// GenerateOpID produces a client-chosen idempotency key for one operation.
func GenerateOpID() string {
	return uuid.NewString()
}

// NowMillis is the wire timestamp format: milliseconds since the UNIX epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
