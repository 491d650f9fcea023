// Package engine binds the connection registry to the broadcast bus and
// exposes the connect/disconnect/broadcast operations consumed by the
// transport boundary. One Engine instance serves one fanout domain (chat or
// location); the two differ only in which collaborators are wired in.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tripline/realtime/internal/metrics"
	"github.com/tripline/realtime/internal/protocol"
	"github.com/tripline/realtime/internal/registry"
	"github.com/tripline/realtime/internal/store"
	"github.com/tripline/realtime/internal/telemetry"
	"github.com/tripline/realtime/internal/topic"
)

// Broadcaster is the bus-facing contract. *bus.Bus satisfies it.
type Broadcaster interface {
	Publish(subject string, payload []byte) error
	Subscribe(subject string) error
	Unsubscribe(subject string) error
}

// MessageStore is the durable message collaborator. CreateMessage must return
// an error wrapping store.ErrNotParticipant when the sender is not authorized
// for the channel.
type MessageStore interface {
	CreateMessage(ctx context.Context, channelID, senderID, content string) (protocol.MessagePayload, error)
	Participants(ctx context.Context, channelID string) ([]string, error)
}

// Notifier is the push-notification collaborator. Failures are logged, never
// surfaced: notification delivery must not block message fanout.
type Notifier interface {
	MessageCreated(ctx context.Context, recipientID, channelID, senderID, content string) error
}

// Config assembles an Engine. Store and Notifier are chat-domain
// collaborators; Telemetry belongs to the location domain. Unused
// collaborators stay nil and the corresponding operations are rejected.
type Config struct {
	Domain    string
	Bus       Broadcaster
	Store     MessageStore
	Notifier  Notifier
	Telemetry *telemetry.Buffer
}

// Engine orchestrates fanout for one domain.
type Engine struct {
	domain    string
	bus       Broadcaster
	store     MessageStore
	notifier  Notifier
	telemetry *telemetry.Buffer
	reg       *registry.Registry
}

// New builds an Engine. The registry's subscription hooks are bound to the
// bus so the channel topic is attached exactly between the first register and
// the last unregister.
func New(cfg Config) *Engine {
	e := &Engine{
		domain:    cfg.Domain,
		bus:       cfg.Bus,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		telemetry: cfg.Telemetry,
	}
	e.reg = registry.New(
		func(channelID string) error {
			return e.bus.Subscribe(topic.ForChannel(e.domain, channelID))
		},
		func(channelID string) {
			if err := e.bus.Unsubscribe(topic.ForChannel(e.domain, channelID)); err != nil {
				log.Printf("engine: unsubscribe %s/%s: %v", e.domain, channelID, err)
			}
		},
	)
	e.reg.OnReap(func(c *registry.Connection, lastOfUser, wasTyping bool) {
		e.syncConnGauge()
		e.announceDeparture(c, lastOfUser, wasTyping)
		log.Printf("engine: reaped domain=%s channel=%s user=%s conn=%s (local=%d)",
			e.domain, c.ChannelID, c.UserID, c.ID, e.reg.ConnectionCount())
	})
	return e
}

// Domain returns the engine's fanout domain.
func (e *Engine) Domain() string {
	return e.domain
}

// ConnectionCount returns the number of registered local connections.
func (e *Engine) ConnectionCount() int {
	return e.reg.ConnectionCount()
}

// OnlineUsers returns a snapshot of locally connected user ids for a channel.
func (e *Engine) OnlineUsers(channelID string) []string {
	return e.reg.OnlineUsers(channelID)
}

// TypingUsers returns a snapshot of the channel's typing set.
func (e *Engine) TypingUsers(channelID string) []string {
	return e.reg.TypingUsers(channelID)
}

// Connect registers a new connection for an authenticated user. The new
// connection alone receives a connected confirmation with the current online
// set; the rest of the channel gets a user_online broadcast when this is the
// user's first attachment.
func (e *Engine) Connect(sender registry.Sender, channelID, userID, role string) (*registry.Connection, error) {
	c := &registry.Connection{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		UserID:      userID,
		Role:        role,
		Sender:      sender,
		ConnectedAt: time.Now().UTC(),
	}
	firstOfUser, err := e.reg.Register(c)
	if err != nil {
		return nil, fmt.Errorf("engine: connect %s/%s: %w", e.domain, channelID, err)
	}
	e.syncConnGauge()

	confirm := protocol.NewConnected(channelID, userID, e.reg.OnlineUsers(channelID))
	frame, err := json.Marshal(confirm)
	if err != nil {
		return nil, fmt.Errorf("engine: encode connected: %w", err)
	}
	if err := e.reg.SendDirect(c, frame); err != nil {
		e.syncConnGauge()
		return nil, fmt.Errorf("engine: connection lost during attach: %w", err)
	}

	if firstOfUser {
		e.publish(channelID, protocol.NewPresence(protocol.KindUserOnline, channelID, userID),
			protocol.Route{ExcludeUserID: userID})
	}

	log.Printf("engine: connected domain=%s channel=%s user=%s conn=%s (local=%d)",
		e.domain, channelID, userID, c.ID, e.reg.ConnectionCount())
	return c, nil
}

// Disconnect removes the connection and announces the departure. It is
// idempotent and safe to call concurrently from the transport handler and the
// registry's reap path; only the call that actually removes the connection
// publishes anything.
func (e *Engine) Disconnect(c *registry.Connection) {
	removed, lastOfUser, wasTyping := e.reg.Unregister(c)
	if !removed {
		return
	}
	e.syncConnGauge()
	e.announceDeparture(c, lastOfUser, wasTyping)

	log.Printf("engine: disconnected domain=%s channel=%s user=%s conn=%s (local=%d)",
		e.domain, c.ChannelID, c.UserID, c.ID, e.reg.ConnectionCount())
}

// announceDeparture publishes the events every departure produces, whether it
// came through Disconnect or through the registry's reap path: typing_stop if
// the user's typing flag was cleared, disconnected always, and user_offline
// when no connection of the user remains.
func (e *Engine) announceDeparture(c *registry.Connection, lastOfUser, wasTyping bool) {
	if wasTyping {
		e.publish(c.ChannelID, protocol.NewTyping(c.ChannelID, c.UserID, false),
			protocol.Route{ExcludeUserID: c.UserID})
	}
	e.publish(c.ChannelID, protocol.NewPresence(protocol.KindDisconnected, c.ChannelID, c.UserID),
		protocol.Route{ExcludeUserID: c.UserID})
	if lastOfUser {
		e.publish(c.ChannelID, protocol.NewPresence(protocol.KindUserOffline, c.ChannelID, c.UserID),
			protocol.Route{ExcludeUserID: c.UserID})
	}
}

// HandleTyping updates the typing set and fans out the indicator, excluding
// the signaling user. Duplicate start or stop signals publish nothing.
func (e *Engine) HandleTyping(channelID, userID string, starting bool) {
	if !e.reg.SetTyping(channelID, userID, starting) {
		return
	}
	e.publish(channelID, protocol.NewTyping(channelID, userID, starting),
		protocol.Route{ExcludeUserID: userID})
}

// HandleMessage persists the message and fans it out. The store call must
// succeed before anything is published, so a broadcast message is always
// durably recorded. The sender's other devices receive a message_sent echo;
// the originating connection receives nothing.
func (e *Engine) HandleMessage(ctx context.Context, c *registry.Connection, content string) (protocol.Envelope, error) {
	if e.store == nil {
		err := fmt.Errorf("engine: %s domain does not accept messages", e.domain)
		e.sendError(c, "unsupported_intent", "messages are not supported here")
		return protocol.Envelope{}, err
	}

	if err := ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.sendError(c, "invalid_message", err.Error())
		return protocol.Envelope{}, fmt.Errorf("engine: %w", err)
	}

	msg, err := e.store.CreateMessage(ctx, c.ChannelID, c.UserID, content)
	if err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			e.sendError(c, "not_participant", "not a participant of this channel")
		} else {
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			e.sendError(c, "message_failed", "message could not be stored")
		}
		return protocol.Envelope{}, fmt.Errorf("engine: create message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("stored").Inc()

	env := protocol.NewMessageReceived(c.ChannelID, msg)
	e.publish(c.ChannelID, env, protocol.Route{ExcludeUserID: c.UserID})

	echo := protocol.NewMessageSent(c.ChannelID, msg)
	e.publish(c.ChannelID, echo, protocol.Route{
		OnlyUserID:    c.UserID,
		ExcludeConnID: c.ID,
	})

	if e.notifier != nil {
		go e.notifyRecipients(c.ChannelID, c.UserID, msg.Content)
	}
	return env, nil
}

// HandleLocation appends the sample to the session history and fans it out,
// excluding the reporting user. Location fanout is lossy: samples are never
// persisted beyond the in-memory ring.
func (e *Engine) HandleLocation(c *registry.Connection, loc protocol.Location) error {
	if e.telemetry == nil {
		e.sendError(c, "unsupported_intent", "location updates are not supported here")
		return fmt.Errorf("engine: %s domain does not accept location samples", e.domain)
	}

	now := time.Now().UTC()
	e.telemetry.Append(c.ChannelID, telemetry.Sample{
		UserID:     c.UserID,
		Location:   loc,
		ReceivedAt: now,
	})
	metrics.LocationSamples.Inc()

	e.publish(c.ChannelID, protocol.NewLocationReceived(c.ChannelID, c.UserID, loc, now),
		protocol.Route{ExcludeUserID: c.UserID})
	return nil
}

// LocationHistory returns the channel's retained samples, oldest first.
func (e *Engine) LocationHistory(channelID string) []telemetry.Sample {
	if e.telemetry == nil {
		return []telemetry.Sample{}
	}
	return e.telemetry.History(channelID)
}

// EndSession clears the channel's location history and announces the end of
// the session to every participant.
func (e *Engine) EndSession(channelID, endedBy string) {
	if e.telemetry != nil {
		e.telemetry.Clear(channelID)
	}
	e.publish(channelID, protocol.NewSessionEnded(channelID, endedBy), protocol.Route{})
}

// HandleBusEvent is the dispatch-loop entry point: it re-encodes the envelope
// without routing fields and delivers it to the allowed local connections.
func (e *Engine) HandleBusEvent(channelID string, env protocol.Envelope, route protocol.Route) {
	frame, err := json.Marshal(env)
	if err != nil {
		log.Printf("engine: encode %s envelope: %v", env.Type, err)
		return
	}
	n := e.reg.DeliverLocal(channelID, frame, route)
	metrics.EnvelopesDelivered.WithLabelValues(e.domain).Add(float64(n))
	e.syncConnGauge()
}

// publish encodes the envelope for the broker and sends it through the bus.
// Every fanout takes this round trip, including delivery to connections on
// this process, so all subscribers observe the same per-topic order. If the
// bus rejects the publish, the event is delivered locally anyway: users on
// this process keep exchanging events while the broker is down.
func (e *Engine) publish(channelID string, env protocol.Envelope, route protocol.Route) {
	payload, err := protocol.EncodeBroker(env, route)
	if err != nil {
		log.Printf("engine: encode broker %s envelope: %v", env.Type, err)
		return
	}
	metrics.EnvelopesPublished.WithLabelValues(e.domain, env.Type).Inc()

	if err := e.bus.Publish(topic.ForChannel(e.domain, channelID), payload); err != nil {
		log.Printf("engine: publish %s/%s failed, local-only delivery: %v",
			e.domain, channelID, err)
		e.HandleBusEvent(channelID, env, route)
	}
}

// sendError delivers a local-only error envelope to the offending connection.
func (e *Engine) sendError(c *registry.Connection, code, message string) {
	frame, err := json.Marshal(protocol.NewError(c.ChannelID, code, message))
	if err != nil {
		log.Printf("engine: encode error envelope: %v", err)
		return
	}
	if err := e.reg.SendDirect(c, frame); err != nil {
		log.Printf("engine: %v", err)
		e.syncConnGauge()
	}
}

// notifyRecipients invokes the notification dispatcher for every participant
// except the sender. Best-effort: errors are logged only.
func (e *Engine) notifyRecipients(channelID, senderID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants, err := e.store.Participants(ctx, channelID)
	if err != nil {
		log.Printf("engine: participants for notify channel=%s: %v", channelID, err)
		return
	}
	for _, p := range participants {
		if p == senderID {
			continue
		}
		if err := e.notifier.MessageCreated(ctx, p, channelID, senderID, content); err != nil {
			log.Printf("engine: notify recipient=%s channel=%s: %v", p, channelID, err)
		}
	}
}

func (e *Engine) syncConnGauge() {
	metrics.ConnectionsActive.WithLabelValues(e.domain).Set(float64(e.reg.ConnectionCount()))
}
