// Package notify publishes message-created notifications for the external
// push-notification dispatcher. Delivery is best-effort: a failure here never
// blocks or fails the realtime fanout of the message itself.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Subject is the broker subject the notification dispatcher consumes.
const Subject = "notify.message_created"

// PreviewLimit is the maximum preview length in runes.
const PreviewLimit = 140

// Publisher is the broker-facing side of the dispatcher. *bus.Bus satisfies
// it.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// Dispatcher emits notification events over the bus.
type Dispatcher struct {
	pub Publisher
}

// NewDispatcher creates a Dispatcher publishing through pub.
func NewDispatcher(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub}
}

// messageCreated is the wire payload consumed by the notification service.
type messageCreated struct {
	RecipientID string    `json:"recipient_id"`
	ChannelID   string    `json:"channel_id"`
	SenderID    string    `json:"sender_id"`
	Preview     string    `json:"preview"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageCreated publishes a notification for one recipient with a truncated
// content preview.
func (d *Dispatcher) MessageCreated(ctx context.Context, recipientID, channelID, senderID, content string) error {
	payload, err := json.Marshal(messageCreated{
		RecipientID: recipientID,
		ChannelID:   channelID,
		SenderID:    senderID,
		Preview:     Preview(content),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := d.pub.Publish(Subject, payload); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Preview truncates content to PreviewLimit runes, appending an ellipsis when
// anything was cut. Truncation is rune-based so multi-byte text is never
// split mid-character.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLimit {
		return content
	}
	return string(runes[:PreviewLimit]) + "…"
}
