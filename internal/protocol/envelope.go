// Package protocol defines the event envelope exchanged between server and
// clients and replicated across processes over the broker. All payloads are
// JSON with a closed set of type discriminators; the broker payload carries
// extra routing fields that are stripped before local delivery.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried by an Envelope. The set is closed: decoding an unknown
// kind is an error, never a passthrough.
const (
	KindMessageReceived  = "message_received"
	KindMessageSent      = "message_sent"
	KindTypingStart      = "typing_start"
	KindTypingStop       = "typing_stop"
	KindConnected        = "connected"
	KindDisconnected     = "disconnected"
	KindUserOnline       = "user_online"
	KindUserOffline      = "user_offline"
	KindLocationReceived = "location_received"
	KindSessionEnded     = "session_ended"
	KindError            = "error"
)

// Envelope is one fanout event. It is immutable once constructed; Data holds
// the kind-specific payload struct (never a raw string or untyped map).
type Envelope struct {
	Type      string
	ChannelID string
	Data      interface{}
	Timestamp time.Time
	SenderID  string // empty for server-originated events
}

// Route describes broker-level delivery targeting. Zero value means "every
// connection in the channel". The fields travel inside the broker payload and
// never reach a client.
type Route struct {
	ExcludeUserID string // no connection of this user receives the event
	OnlyUserID    string // only connections of this user receive the event
	ExcludeConnID string // this specific connection is skipped
}

// MessagePayload is the durable message record echoed to clients. It mirrors
// what the message store returns, so every receiving device converges on the
// authoritative stored representation.
type MessagePayload struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TypingPayload identifies who is typing.
type TypingPayload struct {
	UserID string `json:"user_id"`
}

// ConnectedPayload confirms a successful attach to the connecting client.
type ConnectedPayload struct {
	UserID      string   `json:"user_id"`
	OnlineUsers []string `json:"online_users"`
}

// PresencePayload carries user_online, user_offline and disconnected events.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// Location is one position fix. Accuracy, heading, and speed are optional.
type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

// LocationPayload carries a live position sample.
type LocationPayload struct {
	UserID     string    `json:"user_id"`
	Location   Location  `json:"location"`
	ReceivedAt time.Time `json:"received_at"`
}

// SessionEndedPayload announces the end of a tracked session.
type SessionEndedPayload struct {
	EndedBy string `json:"ended_by"`
}

// ErrorPayload is delivered only to the connection that caused the error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireEnvelope is the JSON shape on the socket and, with the routing fields
// populated, on the broker.
type wireEnvelope struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	SenderID  *string         `json:"sender_id"`

	// Broker-only routing, stripped before local delivery.
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
	OnlyUserID    string `json:"only_user_id,omitempty"`
	OriginConnID  string `json:"origin_conn_id,omitempty"`
}

func (e Envelope) wire() (wireEnvelope, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("protocol: marshal %q data: %w", e.Type, err)
	}
	w := wireEnvelope{
		Type:      e.Type,
		ChannelID: e.ChannelID,
		Data:      data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.SenderID != "" {
		sid := e.SenderID
		w.SenderID = &sid
	}
	return w, nil
}

// MarshalJSON encodes the envelope in its client-facing wire shape, without
// routing fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope, resolving Data into the concrete payload
// struct for the kind. Unknown kinds and malformed payloads are errors.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	env, err := fromWire(w)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

func fromWire(w wireEnvelope) (Envelope, error) {
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing type")
	}
	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return Envelope{}, err
	}

	var ts time.Time
	if w.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: envelope timestamp: %w", err)
		}
	}

	env := Envelope{
		Type:      w.Type,
		ChannelID: w.ChannelID,
		Data:      payload,
		Timestamp: ts,
	}
	if w.SenderID != nil {
		env.SenderID = *w.SenderID
	}
	return env, nil
}

func decodePayload(kind string, raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("protocol: envelope %q missing data", kind)
	}

	var (
		payload interface{}
		err     error
	)
	switch kind {
	case KindMessageReceived, KindMessageSent:
		var p MessagePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindTypingStart, KindTypingStop:
		var p TypingPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindConnected:
		var p ConnectedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindDisconnected, KindUserOnline, KindUserOffline:
		var p PresencePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindLocationReceived:
		var p LocationPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindSessionEnded:
		var p SessionEndedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindError:
		var p ErrorPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("protocol: unknown envelope type %q", kind)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: decode %q data: %w", kind, err)
	}
	return payload, nil
}

// EncodeBroker serializes an envelope plus its routing fields for publication
// on the bus.
func EncodeBroker(e Envelope, r Route) ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	w.ExcludeUserID = r.ExcludeUserID
	w.OnlyUserID = r.OnlyUserID
	w.OriginConnID = r.ExcludeConnID
	return json.Marshal(w)
}

// DecodeBroker parses a broker payload into the envelope and its routing
// fields. The returned envelope no longer carries routing information; callers
// re-marshal it for local delivery.
func DecodeBroker(data []byte) (Envelope, Route, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, Route{}, fmt.Errorf("protocol: unmarshal broker payload: %w", err)
	}
	env, err := fromWire(w)
	if err != nil {
		return Envelope{}, Route{}, err
	}
	route := Route{
		ExcludeUserID: w.ExcludeUserID,
		OnlyUserID:    w.OnlyUserID,
		ExcludeConnID: w.OriginConnID,
	}
	return env, route, nil
}

func newEnvelope(kind, channelID, senderID string, data interface{}) Envelope {
	return Envelope{
		Type:      kind,
		ChannelID: channelID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		SenderID:  senderID,
	}
}

// NewMessageReceived builds the broadcast for a freshly stored message.
func NewMessageReceived(channelID string, msg MessagePayload) Envelope {
	return newEnvelope(KindMessageReceived, channelID, msg.SenderID, msg)
}

// NewMessageSent builds the echo converging the sender's other devices on the
// stored message.
func NewMessageSent(channelID string, msg MessagePayload) Envelope {
	return newEnvelope(KindMessageSent, channelID, msg.SenderID, msg)
}

// NewTyping builds a typing_start or typing_stop event.
func NewTyping(channelID, userID string, starting bool) Envelope {
	kind := KindTypingStop
	if starting {
		kind = KindTypingStart
	}
	return newEnvelope(kind, channelID, userID, TypingPayload{UserID: userID})
}

// NewConnected builds the local-only attach confirmation.
func NewConnected(channelID, userID string, online []string) Envelope {
	return newEnvelope(KindConnected, channelID, "", ConnectedPayload{
		UserID:      userID,
		OnlineUsers: online,
	})
}

// NewPresence builds a user_online, user_offline or disconnected event.
func NewPresence(kind, channelID, userID string) Envelope {
	return newEnvelope(kind, channelID, "", PresencePayload{UserID: userID})
}

// NewLocationReceived builds the broadcast for a live position sample.
func NewLocationReceived(channelID, userID string, loc Location, receivedAt time.Time) Envelope {
	return newEnvelope(KindLocationReceived, channelID, userID, LocationPayload{
		UserID:     userID,
		Location:   loc,
		ReceivedAt: receivedAt,
	})
}

// NewSessionEnded builds the end-of-session broadcast.
func NewSessionEnded(channelID, endedBy string) Envelope {
	return newEnvelope(KindSessionEnded, channelID, "", SessionEndedPayload{EndedBy: endedBy})
}

// NewError builds a local-only error event for the offending connection.
func NewError(channelID, code, message string) Envelope {
	return newEnvelope(KindError, channelID, "", ErrorPayload{Code: code, Message: message})
}
