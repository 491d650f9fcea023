// Package registry tracks which local connections belong to which channel and
// delivers envelope frames to the right local subset. It owns the per-channel
// typing sets and is the only shared mutable state between connection handlers
// and the bus dispatch loop.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tripline/realtime/internal/metrics"
	"github.com/tripline/realtime/internal/protocol"
)

// Sender is the transport handle of one live connection. Implementations must
// not block indefinitely on Send; the websocket transport enforces a write
// deadline.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// Connection represents one live client attachment. It is owned by the
// process that accepted the socket and never crosses a process boundary.
type Connection struct {
	ID          string
	ChannelID   string
	UserID      string
	Role        string // "client" or "host"; only the location domain cares
	Sender      Sender
	ConnectedAt time.Time
}

// Registry groups connections by channel id. The subscribe and unsubscribe
// hooks fire inside the registry critical section on the first-register and
// last-unregister transitions, so the subscription table can never disagree
// with the connection table.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channelState

	onFirst func(channelID string) error
	onLast  func(channelID string)
	onReap  func(c *Connection, lastOfUser, wasTyping bool)
}

type channelState struct {
	conns  map[string]*Connection // connection id -> connection
	typing map[string]struct{}    // user ids currently typing
}

// New creates a Registry. onFirst runs when a channel gains its first local
// connection and may veto the registration by returning an error; onLast runs
// when a channel loses its last local connection. Either hook may be nil.
func New(onFirst func(string) error, onLast func(string)) *Registry {
	return &Registry{
		channels: make(map[string]*channelState),
		onFirst:  onFirst,
		onLast:   onLast,
	}
}

// OnReap installs a handler invoked after a connection is removed because a
// write to it failed. The handler runs outside the registry lock with the
// flags the underlying Unregister returned. Set once before traffic starts.
func (r *Registry) OnReap(fn func(c *Connection, lastOfUser, wasTyping bool)) {
	r.onReap = fn
}

// Register adds the connection to its channel's set. If this is the channel's
// first local connection, the subscribe hook runs first; a hook failure aborts
// the registration. firstOfUser reports whether the user had no other local
// connection in the channel; it is decided under the same lock that admits
// the connection, so it pairs exactly with the lastOfUser flag an eventual
// Unregister returns.
func (r *Registry) Register(c *Connection) (firstOfUser bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.channels[c.ChannelID]
	if !ok {
		if r.onFirst != nil {
			if err := r.onFirst(c.ChannelID); err != nil {
				return false, fmt.Errorf("registry: subscribe %s: %w", c.ChannelID, err)
			}
		}
		st = &channelState{
			conns:  make(map[string]*Connection),
			typing: make(map[string]struct{}),
		}
		r.channels[c.ChannelID] = st
	}
	firstOfUser = true
	for _, other := range st.conns {
		if other.UserID == c.UserID {
			firstOfUser = false
			break
		}
	}
	st.conns[c.ID] = c
	return firstOfUser, nil
}

// Unregister removes the connection from its channel's set and closes its
// sender. It is idempotent: a second call for the same connection is a no-op
// returning removed=false. lastOfUser reports whether this was the user's
// final local connection in the channel, and wasTyping whether the user's
// typing flag was cleared as a result.
func (r *Registry) Unregister(c *Connection) (removed, lastOfUser, wasTyping bool) {
	r.mu.Lock()
	st, ok := r.channels[c.ChannelID]
	if !ok {
		r.mu.Unlock()
		return false, false, false
	}
	if _, ok := st.conns[c.ID]; !ok {
		r.mu.Unlock()
		return false, false, false
	}

	delete(st.conns, c.ID)

	lastOfUser = true
	for _, other := range st.conns {
		if other.UserID == c.UserID {
			lastOfUser = false
			break
		}
	}
	if lastOfUser {
		if _, typing := st.typing[c.UserID]; typing {
			delete(st.typing, c.UserID)
			wasTyping = true
		}
	}

	if len(st.conns) == 0 {
		delete(r.channels, c.ChannelID)
		if r.onLast != nil {
			r.onLast(c.ChannelID)
		}
	}
	r.mu.Unlock()

	_ = c.Sender.Close()
	return true, lastOfUser, wasTyping
}

// DeliverLocal writes the frame to every connection in the channel allowed by
// the route. Writes happen outside the lock against a snapshot; a failed write
// reaps that connection, which unregisters it and notifies the reap handler.
//
// Delivery order across connections in the same channel is unspecified.
func (r *Registry) DeliverLocal(channelID string, frame []byte, route protocol.Route) (delivered int) {
	r.mu.Lock()
	st, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	targets := make([]*Connection, 0, len(st.conns))
	for _, c := range st.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if route.OnlyUserID != "" && c.UserID != route.OnlyUserID {
			continue
		}
		if route.ExcludeUserID != "" && c.UserID == route.ExcludeUserID {
			continue
		}
		if route.ExcludeConnID != "" && c.ID == route.ExcludeConnID {
			continue
		}
		if err := c.Sender.Send(frame); err != nil {
			log.Printf("registry: send failed channel=%s conn=%s user=%s: %v",
				channelID, c.ID, c.UserID, err)
			metrics.DeliveryFailures.Inc()
			r.reap(c)
			continue
		}
		delivered++
	}
	return delivered
}

// SendDirect writes a frame to a single connection, reaping it on failure.
// Used for local-only events: the attach confirmation and error envelopes.
func (r *Registry) SendDirect(c *Connection, frame []byte) error {
	if err := c.Sender.Send(frame); err != nil {
		metrics.DeliveryFailures.Inc()
		r.reap(c)
		return fmt.Errorf("registry: direct send conn=%s: %w", c.ID, err)
	}
	return nil
}

// reap removes a connection whose transport failed and reports the departure
// through the reap handler, so peers see the same presence events a clean
// disconnect would have produced.
func (r *Registry) reap(c *Connection) {
	removed, lastOfUser, wasTyping := r.Unregister(c)
	if removed && r.onReap != nil {
		r.onReap(c, lastOfUser, wasTyping)
	}
}

// SetTyping updates the channel's typing set. It returns true only when the
// flag actually changed, so duplicate start or stop signals fan out nothing.
func (r *Registry) SetTyping(channelID, userID string, typing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.channels[channelID]
	if !ok {
		return false
	}
	if typing {
		if _, present := st.typing[userID]; present {
			return false
		}
		st.typing[userID] = struct{}{}
		return true
	}
	if _, present := st.typing[userID]; !present {
		return false
	}
	delete(st.typing, userID)
	return true
}

// OnlineUsers returns a sorted copy of the distinct user ids with at least one
// local connection in the channel.
func (r *Registry) OnlineUsers(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.channels[channelID]
	if !ok {
		return []string{}
	}
	seen := make(map[string]struct{}, len(st.conns))
	users := make([]string, 0, len(st.conns))
	for _, c := range st.conns {
		if _, dup := seen[c.UserID]; dup {
			continue
		}
		seen[c.UserID] = struct{}{}
		users = append(users, c.UserID)
	}
	sort.Strings(users)
	return users
}

// TypingUsers returns a sorted copy of the channel's typing set.
func (r *Registry) TypingUsers(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.channels[channelID]
	if !ok {
		return []string{}
	}
	users := make([]string, 0, len(st.typing))
	for u := range st.typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ConnectionCount returns the total number of registered connections across
// all channels.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, st := range r.channels {
		n += len(st.conns)
	}
	return n
}
