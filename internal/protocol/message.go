// Package protocol defines the message envelope and taxonomy agents use to
// request work, negotiate, and report outcomes. It is a pure value and codec
// layer: transport is a collaborator concern.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a message. The taxonomy is closed:
// adding a type is a protocol version change, not a runtime extension point.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeInform   MessageType = "inform"
	TypePropose  MessageType = "propose"
	TypeAgree    MessageType = "agree"
	TypeRefuse   MessageType = "refuse"
	TypeConfirm  MessageType = "confirm"
	TypeFailure  MessageType = "failure"
	TypeDone     MessageType = "done"
	TypeRoute    MessageType = "route"
	TypeDiscover MessageType = "discover"
	TypeOffer    MessageType = "offer"
	TypeAssign   MessageType = "assign"
)

// Valid returns true if the type is part of the closed taxonomy.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeInform, TypePropose, TypeAgree, TypeRefuse, TypeConfirm,
		TypeFailure, TypeDone, TypeRoute, TypeDiscover, TypeOffer, TypeAssign:
		return true
	default:
		return false
	}
}

// ValidationError indicates a message failed validation at construction.
// Invalid messages are rejected before they exist; they never reach a transport.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// ErrEmptyPayload is wrapped by ValidationError reasons that require a payload key.
var ErrEmptyPayload = errors.New("payload must not be empty")

// Message is an immutable envelope exchanged between agents.
// Construct messages through New or the reply factories; a Message built
// through those paths is guaranteed to pass validation.
type Message struct {
	// Type is the message kind, one of the closed taxonomy.
	Type MessageType `json:"type"`
	// Sender identifies the agent that produced the message.
	Sender string `json:"sender"`
	// Receiver identifies the agent the message is addressed to.
	Receiver string `json:"receiver"`
	// ConversationID correlates a request with its responses.
	ConversationID string `json:"conversation_id"`
	// Payload holds type-specific structured content.
	Payload map[string]any `json:"payload,omitempty"`
	// Timestamp is when the message was constructed.
	Timestamp time.Time `json:"timestamp"`
}

// requiredPayloadKeys maps message types to the payload key each one must carry.
// Types absent from the map accept any payload, including none.
var requiredPayloadKeys = map[MessageType]string{
	TypeRequest: "action",
	TypePropose: "proposal",
	TypeRefuse:  "reason",
	TypeFailure: "error",
	TypeAssign:  "todo_id",
	TypeOffer:   "capability",
}

// Option configures optional message fields at construction.
type Option func(*Message)

// WithConversationID sets an explicit conversation id instead of generating one.
func WithConversationID(id string) Option {
	return func(m *Message) {
		m.ConversationID = id
	}
}

// WithTimestamp sets an explicit timestamp. Used by codecs and tests.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) {
		m.Timestamp = ts
	}
}

// New constructs a validated Message. It fails with a ValidationError if the
// type is outside the taxonomy, sender or receiver is empty, or the payload
// is missing the key required for that type.
func New(t MessageType, sender, receiver string, payload map[string]any, opts ...Option) (Message, error) {
	if !t.Valid() {
		return Message{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", t)}
	}
	if sender == "" {
		return Message{}, &ValidationError{Field: "sender", Reason: "must not be empty"}
	}
	if receiver == "" {
		return Message{}, &ValidationError{Field: "receiver", Reason: "must not be empty"}
	}

	if key, ok := requiredPayloadKeys[t]; ok {
		if payload == nil {
			return Message{}, &ValidationError{Field: "payload", Reason: ErrEmptyPayload.Error()}
		}
		if _, present := payload[key]; !present {
			return Message{}, &ValidationError{Field: "payload", Reason: fmt.Sprintf("%s message requires payload key %q", t, key)}
		}
	}

	payload, err := normalizePayload(payload)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		Payload:   payload,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.ConversationID == "" {
		m.ConversationID = uuid.New().String()
	}

	return m, nil
}

// normalizePayload rebuilds the payload in JSON's canonical value types:
// numbers become float64, nested maps become map[string]any, slices become
// []any. A stored message therefore compares equal to its decoded form after
// a codec round trip. An empty payload normalizes to nil for the same reason.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("not JSON-serializable: %v", err)}
	}
	var norm map[string]any
	if err := json.Unmarshal(data, &norm); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("not JSON round-trippable: %v", err)}
	}
	return norm, nil
}

// NewReply constructs a message of the given type answering an earlier message.
// Sender and receiver are swapped and the conversation id is echoed, so the
// pair correlates without manual id bookkeeping.
func NewReply(t MessageType, in Message, payload map[string]any) (Message, error) {
	return New(t, in.Receiver, in.Sender, payload, WithConversationID(in.ConversationID))
}

// NewConfirm answers a message with a confirm echoing its conversation id.
func NewConfirm(in Message) (Message, error) {
	return NewReply(TypeConfirm, in, nil)
}

// NewDone reports successful completion of the work a message asked for.
func NewDone(in Message, payload map[string]any) (Message, error) {
	return NewReply(TypeDone, in, payload)
}

// NewFailure reports a failure back to the sender of the original message.
func NewFailure(in Message, errMsg string) (Message, error) {
	return NewReply(TypeFailure, in, map[string]any{"error": errMsg})
}
