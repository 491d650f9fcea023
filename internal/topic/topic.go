// Package topic maps (domain, channel id) pairs to broker subjects. It is the
// single place where the subject layout is defined, so publishers and the
// dispatch loop cannot drift apart.
package topic

import "strings"

// Prefix is the common root of all fanout subjects.
const Prefix = "rt"

// Fanout domains. Each domain gets its own subject tree so chat conversations
// and location sessions never share a topic even if their ids collide.
const (
	DomainChat     = "chat"
	DomainLocation = "location"
)

// ForChannel returns the broker subject for a channel, e.g.
// "rt.chat.conv-42" or "rt.location.booking-7".
func ForChannel(domain, channelID string) string {
	return Prefix + "." + domain + "." + channelID
}

// Split extracts the domain and channel id from a subject produced by
// ForChannel. The channel id may itself contain dots; only the first two
// tokens are structural. Returns ok=false for subjects outside the fanout
// tree.
func Split(subject string) (domain, channelID string, ok bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != Prefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
