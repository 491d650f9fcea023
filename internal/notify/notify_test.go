package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type fakePublisher struct {
	subject string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, payload []byte) error {
	p.subject = subject
	p.payload = payload
	return p.err
}

func TestMessageCreatedPayload(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub)

	err := d.MessageCreated(context.Background(), "u2", "conv-1", "u1", "see you at the pier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.subject != Subject {
		t.Errorf("subject: expected %q, got %q", Subject, pub.subject)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got["recipient_id"] != "u2" || got["channel_id"] != "conv-1" || got["sender_id"] != "u1" {
		t.Errorf("payload mismatch: %v", got)
	}
	if got["preview"] != "see you at the pier" {
		t.Errorf("preview mismatch: %v", got["preview"])
	}
}

func TestMessageCreatedPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub)

	if err := d.MessageCreated(context.Background(), "u2", "conv-1", "u1", "hi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPreviewShortContentUntouched(t *testing.T) {
	if got := Preview("short"); got != "short" {
		t.Errorf("expected unchanged content, got %q", got)
	}
}

func TestPreviewTruncatesAtRuneBoundary(t *testing.T) {
	long := strings.Repeat("ü", PreviewLimit+10)
	got := Preview(long)

	if !utf8.ValidString(got) {
		t.Fatal("preview split a multi-byte rune")
	}
	runes := []rune(got)
	if len(runes) != PreviewLimit+1 { // limit + ellipsis
		t.Errorf("expected %d runes, got %d", PreviewLimit+1, len(runes))
	}
	if runes[len(runes)-1] != '…' {
		t.Error("expected trailing ellipsis")
	}
}

func TestPreviewExactLimit(t *testing.T) {
	exact := strings.Repeat("a", PreviewLimit)
	if got := Preview(exact); got != exact {
		t.Errorf("content at the limit should be unchanged, got %q", got)
	}
}
