package protocol

import "testing"

func TestParseIntent(t *testing.T) {
	cases := []struct {
		name string
		data string
		typ  string
	}{
		{"send_message", `{"type":"send_message","content":"hello"}`, IntentSendMessage},
		{"typing_start", `{"type":"typing_start"}`, IntentTypingStart},
		{"typing_stop", `{"type":"typing_stop"}`, IntentTypingStop},
		{"send_location", `{"type":"send_location","location":{"lat":1.5,"lon":2.5}}`, IntentSendLocation},
		{"end_session", `{"type":"end_session"}`, IntentEndSession},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typ, intent, err := ParseIntent([]byte(tc.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if typ != tc.typ {
				t.Errorf("type: expected %q, got %q", tc.typ, typ)
			}
			if intent == nil {
				t.Error("expected non-nil intent")
			}
		})
	}
}

func TestParseIntentPayloads(t *testing.T) {
	_, intent, err := ParseIntent([]byte(`{"type":"send_message","content":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := intent.(SendMessageIntent)
	if !ok {
		t.Fatalf("expected SendMessageIntent, got %T", intent)
	}
	if m.Content != "hi" {
		t.Errorf("content: expected hi, got %q", m.Content)
	}

	_, intent, err = ParseIntent([]byte(`{"type":"send_location","location":{"lat":40.1,"lon":-3.7}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l, ok := intent.(SendLocationIntent)
	if !ok {
		t.Fatalf("expected SendLocationIntent, got %T", intent)
	}
	if l.Location.Lat != 40.1 || l.Location.Lon != -3.7 {
		t.Errorf("location mismatch: %+v", l.Location)
	}
}

func TestParseIntentErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"content":"hi"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"server kind as intent", `{"type":"message_received"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseIntent([]byte(tc.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
