package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server intent types. The channel is bound at attach time, so
// intents never carry a channel id.
const (
	IntentSendMessage  = "send_message"
	IntentTypingStart  = "typing_start"
	IntentTypingStop   = "typing_stop"
	IntentSendLocation = "send_location"
	IntentEndSession   = "end_session"
)

// SendMessageIntent asks the server to persist and fan out a chat message.
type SendMessageIntent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// TypingIntent signals the start or stop of typing; the direction is in the
// type discriminator.
type TypingIntent struct {
	Type string `json:"type"`
}

// SendLocationIntent carries one live position sample.
type SendLocationIntent struct {
	Type     string   `json:"type"`
	Location Location `json:"location"`
}

// EndSessionIntent ends a tracked location session and clears its history.
type EndSessionIntent struct {
	Type string `json:"type"`
}

// ParseIntent decodes raw socket bytes into a typed client intent. It returns
// the intent type, the decoded struct, and an error for unknown types or
// malformed payloads.
func ParseIntent(data []byte) (string, interface{}, error) {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return "", nil, fmt.Errorf("protocol: parse intent: %w", err)
	}
	if partial.Type == "" {
		return "", nil, fmt.Errorf("protocol: intent missing type")
	}

	var (
		intent interface{}
		err    error
	)
	switch partial.Type {
	case IntentSendMessage:
		var m SendMessageIntent
		err = json.Unmarshal(data, &m)
		intent = m
	case IntentTypingStart, IntentTypingStop:
		var m TypingIntent
		err = json.Unmarshal(data, &m)
		intent = m
	case IntentSendLocation:
		var m SendLocationIntent
		err = json.Unmarshal(data, &m)
		intent = m
	case IntentEndSession:
		var m EndSessionIntent
		err = json.Unmarshal(data, &m)
		intent = m
	default:
		return partial.Type, nil, fmt.Errorf("protocol: unknown intent type %q", partial.Type)
	}

	if err != nil {
		return partial.Type, nil, fmt.Errorf("protocol: decode %q intent: %w", partial.Type, err)
	}
	return partial.Type, intent, nil
}
