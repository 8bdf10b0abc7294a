package protocol

import "encoding/json"

// OpKind enumerates the supported table mutations.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Operation is a validated, typed mutation to one key in one table. It is
// decoded from the untyped wire payload at the protocol boundary so the rest
// of the server never touches raw JSON shapes.
type Operation struct {
	Table    string
	Key      string
	Value    json.RawMessage // nil for delete
	Kind     OpKind
	OpID     string
	OriginID string
}

// opPayload is the wire shape of an operation message payload.
type opPayload struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Operation string          `json:"operation,omitempty"`
}

// NewOperationMessage builds the client-to-server request carrying one
// mutation.
func NewOperationMessage(op Operation) (*Message, error) {
	payload, err := json.Marshal(opPayload{
		Key:       op.Key,
		Value:     op.Value,
		Operation: string(op.Kind),
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeOperation,
		Table:     op.Table,
		Payload:   payload,
		OpID:      op.OpID,
		OriginID:  op.OriginID,
		Timestamp: NowMillis(),
	}, nil
}

// DecodeOperation validates an operation message and lifts it into a typed
// Operation. Older clients omit the "operation" field; a payload with a key
// and a value is treated as a set for compatibility.
func (m *Message) DecodeOperation() (Operation, error) {
	if m.Table == "" || len(m.Payload) == 0 {
		return Operation{}, ErrOperationIncomplete
	}

	var p opPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return Operation{}, ErrMalformedPayload
	}
	if p.Key == "" {
		return Operation{}, ErrOperationIncomplete
	}

	op := Operation{
		Table: m.Table,
		Key:   p.Key,
		OpID:  m.OpID,
	}

	switch p.Operation {
	case string(OpSet):
		if p.Value == nil {
			return Operation{}, ErrOperationIncomplete
		}
		op.Kind = OpSet
		op.Value = p.Value
	case string(OpDelete):
		op.Kind = OpDelete
	case "":
		if p.Value == nil {
			return Operation{}, ErrOperationIncomplete
		}
		op.Kind = OpSet
		op.Value = p.Value
	default:
		return Operation{}, ErrUnknownOperation
	}

	return op, nil
}
