package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestNewValidMessage(t *testing.T) {
	m, err := New(TypeInform, "planner", "scheduler", map[string]any{"note": "graph ready"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Type != TypeInform {
		t.Errorf("expected type inform, got %s", m.Type)
	}
	if m.ConversationID == "" {
		t.Error("expected a generated conversation id")
	}
	if m.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(MessageType("gossip"), "a", "b", nil)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if verr.Field != "type" {
		t.Errorf("expected field type, got %s", verr.Field)
	}
}

func TestNewEmptyParticipants(t *testing.T) {
	if _, err := New(TypeInform, "", "b", nil); err == nil {
		t.Error("expected error for empty sender")
	}
	if _, err := New(TypeInform, "a", "", nil); err == nil {
		t.Error("expected error for empty receiver")
	}
}

func TestNewPayloadShape(t *testing.T) {
	tests := []struct {
		name    string
		typ     MessageType
		payload map[string]any
		wantErr bool
	}{
		{"propose without proposal", TypePropose, map[string]any{"other": "x"}, true},
		{"propose with proposal", TypePropose, map[string]any{"proposal": "split task"}, false},
		{"failure without error", TypeFailure, nil, true},
		{"failure with error", TypeFailure, map[string]any{"error": "executor crashed"}, false},
		{"request without action", TypeRequest, map[string]any{}, true},
		{"request with action", TypeRequest, map[string]any{"action": "open_app"}, false},
		{"inform with no payload", TypeInform, nil, false},
		{"assign with todo_id", TypeAssign, map[string]any{"todo_id": "n1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.typ, "a", "b", tt.payload)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestReplyCorrelation(t *testing.T) {
	req, err := New(TypeRequest, "client", "scheduler", map[string]any{"action": "run_plan"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	confirm, err := NewConfirm(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if confirm.ConversationID != req.ConversationID {
		t.Errorf("confirm conversation id %s does not echo request %s", confirm.ConversationID, req.ConversationID)
	}
	if confirm.Sender != req.Receiver || confirm.Receiver != req.Sender {
		t.Error("expected sender/receiver to be swapped in reply")
	}

	fail, err := NewFailure(req, "no executor registered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fail.ConversationID != req.ConversationID {
		t.Error("failure should echo the request conversation id")
	}
	if fail.Payload["error"] != "no executor registered" {
		t.Errorf("unexpected failure payload: %v", fail.Payload)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, typ := range []MessageType{
		TypeRequest, TypeInform, TypePropose, TypeAgree, TypeRefuse, TypeConfirm,
		TypeFailure, TypeDone, TypeRoute, TypeDiscover, TypeOffer, TypeAssign,
	} {
		payload := map[string]any{
			"action":     "execute",
			"proposal":   "batch-2",
			"reason":     "busy",
			"error":      "timeout",
			"todo_id":    "n4",
			"capability": "shell",
		}

		m, err := New(typ, "worker-1", "scheduler", payload)
		if err != nil {
			t.Fatalf("%s: construct: %v", typ, err)
		}

		data, err := Marshal(m)
		if err != nil {
			t.Fatalf("%s: marshal: %v", typ, err)
		}

		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("%s: unmarshal: %v", typ, err)
		}

		if !got.Timestamp.Equal(m.Timestamp) {
			t.Errorf("%s: timestamp changed in round trip", typ)
		}
		// Normalize timestamps before deep comparison; Equal already checked them.
		got.Timestamp = m.Timestamp
		if !reflect.DeepEqual(got, m) {
			t.Errorf("%s: round trip mismatch:\n got %+v\nwant %+v", typ, got, m)
		}
	}
}

func TestRoundTripNonStringPayloadValues(t *testing.T) {
	payload := map[string]any{
		"count":   3,
		"ratio":   0.5,
		"urgent":  true,
		"batches": []int{1, 2},
		"limits":  map[string]int{"cpu": 2},
	}

	m, err := New(TypeInform, "worker-1", "scheduler", payload)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	// Construction canonicalizes payload values into JSON's types, so the
	// stored message already equals what decoding will produce.
	if got, ok := m.Payload["count"].(float64); !ok || got != 3 {
		t.Errorf("expected count normalized to float64 3, got %#v", m.Payload["count"])
	}
	if _, ok := m.Payload["batches"].([]any); !ok {
		t.Errorf("expected batches normalized to []any, got %#v", m.Payload["batches"])
	}
	if _, ok := m.Payload["limits"].(map[string]any); !ok {
		t.Errorf("expected limits normalized to map[string]any, got %#v", m.Payload["limits"])
	}

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got.Timestamp = m.Timestamp
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got.Payload, m.Payload)
	}
}

func TestNewRejectsUnserializablePayload(t *testing.T) {
	_, err := New(TypeInform, "worker-1", "scheduler", map[string]any{"ch": make(chan int)})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unserializable payload, got %v", err)
	}
}

func TestRoundTripEmptyPayload(t *testing.T) {
	m, err := New(TypeAgree, "worker-1", "scheduler", map[string]any{})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if m.Payload != nil {
		t.Fatalf("expected empty payload normalized to nil, got %#v", m.Payload)
	}

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got.Timestamp = m.Timestamp
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch: got %#v, want %#v", got, m)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"gossip","sender":"a","receiver":"b","conversation_id":"c"}`))
	if err == nil {
		t.Fatal("expected error for unknown type on the wire")
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	_, err := Unmarshal([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed bytes")
	}
}
