package protocol

import (
	"encoding/json"
	"fmt"
)

// Marshal serializes a message to JSON bytes.
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a message from JSON bytes and re-validates it, so a
// malformed or out-of-taxonomy message is rejected at the boundary rather
// than surfacing downstream. Unmarshal(Marshal(m)) reproduces m for every
// message constructed through New.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}

	if !m.Type.Valid() {
		return Message{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	if m.Sender == "" {
		return Message{}, &ValidationError{Field: "sender", Reason: "must not be empty"}
	}
	if m.Receiver == "" {
		return Message{}, &ValidationError{Field: "receiver", Reason: "must not be empty"}
	}
	if key, ok := requiredPayloadKeys[m.Type]; ok {
		if _, present := m.Payload[key]; !present {
			return Message{}, &ValidationError{Field: "payload", Reason: fmt.Sprintf("%s message requires payload key %q", m.Type, key)}
		}
	}

	return m, nil
}
