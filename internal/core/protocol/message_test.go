package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_EncodeDecode(t *testing.T) {
	msg := &Message{
		Type:         MessageTypeUpdate,
		Table:        "scores",
		Payload:      json.RawMessage(`{"key":"alice","value":10,"operation":"set"}`),
		OpID:         "a1",
		OriginID:     "client-1",
		Timestamp:    1700000000000,
		TableVersion: 1,
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.Table, decoded.Table)
	assert.Equal(t, msg.OpID, decoded.OpID)
	assert.Equal(t, msg.TableVersion, decoded.TableVersion)
	assert.JSONEq(t, string(msg.Payload), string(decoded.Payload))
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMessage_Tables(t *testing.T) {
	msg := &Message{Type: MessageTypeSubscribe, Table: "scores"}
	assert.Equal(t, []string{"scores"}, msg.Tables())

	msg = &Message{Type: MessageTypeSubscribe, Subscriptions: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, msg.Tables())

	msg = &Message{Type: MessageTypeSubscribe}
	assert.Nil(t, msg.Tables())
}

func TestDecodeOperation_Set(t *testing.T) {
	msg := &Message{
		Type:    MessageTypeOperation,
		Table:   "scores",
		OpID:    "a1",
		Payload: json.RawMessage(`{"key":"alice","value":10,"operation":"set"}`),
	}

	op, err := msg.DecodeOperation()
	require.NoError(t, err)
	assert.Equal(t, OpSet, op.Kind)
	assert.Equal(t, "scores", op.Table)
	assert.Equal(t, "alice", op.Key)
	assert.Equal(t, "a1", op.OpID)
	assert.JSONEq(t, "10", string(op.Value))
}

func TestDecodeOperation_Delete(t *testing.T) {
	msg := &Message{
		Type:    MessageTypeOperation,
		Table:   "scores",
		Payload: json.RawMessage(`{"key":"alice","operation":"delete"}`),
	}

	op, err := msg.DecodeOperation()
	require.NoError(t, err)
	assert.Equal(t, OpDelete, op.Kind)
	assert.Nil(t, op.Value)
}

func TestDecodeOperation_CompatSet(t *testing.T) {
	// Older clients omit the operation field entirely.
	msg := &Message{
		Type:    MessageTypeOperation,
		Table:   "scores",
		Payload: json.RawMessage(`{"key":"alice","value":"x"}`),
	}

	op, err := msg.DecodeOperation()
	require.NoError(t, err)
	assert.Equal(t, OpSet, op.Kind)
}

func TestDecodeOperation_Invalid(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{"missing table", &Message{Type: MessageTypeOperation, Payload: json.RawMessage(`{"key":"k","value":1}`)}},
		{"missing payload", &Message{Type: MessageTypeOperation, Table: "t"}},
		{"missing key", &Message{Type: MessageTypeOperation, Table: "t", Payload: json.RawMessage(`{"value":1}`)}},
		{"set without value", &Message{Type: MessageTypeOperation, Table: "t", Payload: json.RawMessage(`{"key":"k","operation":"set"}`)}},
		{"unknown kind", &Message{Type: MessageTypeOperation, Table: "t", Payload: json.RawMessage(`{"key":"k","operation":"merge"}`)}},
		{"bad payload json", &Message{Type: MessageTypeOperation, Table: "t", Payload: json.RawMessage(`[1,2]`)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.msg.DecodeOperation()
			assert.Error(t, err)
		})
	}
}

func TestNewSnapshotMessage_EmptyTable(t *testing.T) {
	msg, err := NewSnapshotMessage("fresh", nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeSnapshot, msg.Type)
	assert.JSONEq(t, `{}`, string(msg.Payload))
	assert.Zero(t, msg.TableVersion)
}

func TestGenerateClientID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := GenerateClientID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
