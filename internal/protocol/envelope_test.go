package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestWireShape(t *testing.T) {
	env := NewTyping("conv-1", "u1", true)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}

	for _, key := range []string{"type", "channel_id", "data", "timestamp", "sender_id"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("wire envelope missing %q", key)
		}
	}
	for _, key := range []string{"exclude_user_id", "only_user_id", "origin_conn_id"} {
		if _, ok := wire[key]; ok {
			t.Errorf("routing field %q leaked into client wire shape", key)
		}
	}

	if string(wire["type"]) != `"typing_start"` {
		t.Errorf("expected typing_start, got %s", wire["type"])
	}
	if string(wire["data"]) != `{"user_id":"u1"}` {
		t.Errorf("unexpected data payload: %s", wire["data"])
	}
}

func TestSenderIDNullWhenEmpty(t *testing.T) {
	env := NewPresence(KindUserOnline, "conv-1", "u1")
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"sender_id":null`) {
		t.Errorf("expected null sender_id, got %s", data)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	env := NewMessageReceived("conv-1", MessagePayload{
		ID:        "m1",
		Content:   "hi",
		SenderID:  "u1",
		CreatedAt: created,
	})

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Type != KindMessageReceived {
		t.Errorf("type: expected %q, got %q", KindMessageReceived, decoded.Type)
	}
	if decoded.ChannelID != "conv-1" {
		t.Errorf("channel: expected conv-1, got %q", decoded.ChannelID)
	}
	if decoded.SenderID != "u1" {
		t.Errorf("sender: expected u1, got %q", decoded.SenderID)
	}

	msg, ok := decoded.Data.(MessagePayload)
	if !ok {
		t.Fatalf("expected MessagePayload, got %T", decoded.Data)
	}
	if msg.Content != "hi" || msg.ID != "m1" || !msg.CreatedAt.Equal(created) {
		t.Errorf("payload mismatch: %+v", msg)
	}
}

func TestBrokerRoutingStripped(t *testing.T) {
	env := NewMessageSent("conv-1", MessagePayload{ID: "m1", Content: "hi", SenderID: "u1"})
	route := Route{OnlyUserID: "u1", ExcludeConnID: "c1"}

	data, err := EncodeBroker(env, route)
	if err != nil {
		t.Fatalf("encode broker: %v", err)
	}
	if !strings.Contains(string(data), `"only_user_id":"u1"`) {
		t.Fatalf("broker payload missing routing: %s", data)
	}

	decoded, gotRoute, err := DecodeBroker(data)
	if err != nil {
		t.Fatalf("decode broker: %v", err)
	}
	if gotRoute != route {
		t.Errorf("route: expected %+v, got %+v", route, gotRoute)
	}

	// Re-marshaling the decoded envelope must drop the routing fields.
	local, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("marshal local: %v", err)
	}
	if strings.Contains(string(local), "only_user_id") || strings.Contains(string(local), "origin_conn_id") {
		t.Errorf("routing survived into local frame: %s", local)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, _, err := DecodeBroker([]byte(`{"type":"mystery","channel_id":"c","data":{},"timestamp":"2026-03-01T10:00:00Z","sender_id":null}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"channel_id":"c","data":{}}`), &env)
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestLocationOptionalFields(t *testing.T) {
	acc := 5.5
	env := NewLocationReceived("booking-1", "u1", Location{Lat: 1, Lon: 2, Accuracy: &acc}, time.Now().UTC())

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"accuracy":5.5`) {
		t.Errorf("accuracy missing: %s", s)
	}
	if strings.Contains(s, "heading") || strings.Contains(s, "speed") {
		t.Errorf("unset optional fields serialized: %s", s)
	}
}
