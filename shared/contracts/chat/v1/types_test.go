package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	valid := Envelope{V: Version, Type: TypeHello}

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{"valid", func(*Envelope) {}, false},
		{"missing v", func(e *Envelope) { e.V = "" }, true},
		{"wrong version", func(e *Envelope) { e.V = "v2" }, true},
		{"missing type", func(e *Envelope) { e.Type = "" }, true},
		{"unknown type", func(e *Envelope) { e.Type = "made_up" }, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := valid
			tc.mutate(&env)
			err := env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate: err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeValidateAcceptsAllKnownTypes(t *testing.T) {
	t.Parallel()

	types := []string{
		TypeHello, TypeHelloAck,
		TypeRoomJoin,
		TypeMessageSend, TypeMessageAck, TypeMessageNew,
		TypeHistoryFetch, TypeHistoryChunk,
		TypeThreadFetch, TypeThreadChunk,
		TypeReactionToggle, TypeReactionState,
		TypePresenceSync,
		TypeError,
	}
	for _, typ := range types {
		env := Envelope{V: Version, Type: typ}
		if err := env.Validate(); err != nil {
			t.Errorf("type %q rejected: %v", typ, err)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	payload, _ := json.Marshal(MessageSendPayload{
		RoomID:    "general",
		ClientKey: "ck-1",
		Body:      "hello",
	})
	env := Envelope{
		V:       Version,
		Type:    TypeMessageSend,
		ID:      "env-1",
		RoomID:  "general",
		TS:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Payload: payload,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"v", "type", "id", "room_id", "ts", "payload"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("wire envelope missing %q", key)
		}
	}

	var back Envelope
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	var p MessageSendPayload
	if err := json.Unmarshal(back.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ClientKey != "ck-1" || p.Body != "hello" {
		t.Fatalf("got %+v", p)
	}
}

func TestEnvelopeOmitsEmptyOptionalFields(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Envelope{V: Version, Type: TypeError})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "room_id", "payload"} {
		if _, ok := raw[key]; ok {
			t.Errorf("empty %q must be omitted from the wire", key)
		}
	}
}
