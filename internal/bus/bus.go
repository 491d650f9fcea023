// Package bus adapts NATS into the broadcast bus used for cross-process
// fanout. Every process keeps a single inbound dispatch loop; per-channel
// subjects are attached and detached as local membership changes.
package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tripline/realtime/internal/metrics"
	"github.com/tripline/realtime/internal/protocol"
	"github.com/tripline/realtime/internal/topic"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// inboxSize bounds the inbound channel feeding the dispatch loop. NATS drops
// the subscription if the consumer falls this far behind; the limit keeps a
// stalled process from buffering unboundedly.
const inboxSize = 4096

// Handler receives every envelope arriving on a subscribed channel subject,
// already decoded and with routing split out.
type Handler func(domain, channelID string, env protocol.Envelope, route protocol.Route)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)

	// ReconnectBufSize bounds client-side buffering of publishes during a
	// reconnect window. Within the bound publishes are queued and flushed on
	// reconnect; beyond it Publish fails fast instead of silently dropping.
	ReconnectBufSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "nats://localhost:4222",
		Name:             "realtime",
		ReconnectWait:    2 * time.Second,
		MaxReconnects:    -1,
		ReconnectBufSize: 8 * 1024 * 1024,
	}
}

// Bus wraps the NATS connection with an idempotent per-subject subscription
// table and the process's single dispatch loop.
type Bus struct {
	conn    *nats.Conn
	handler Handler

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	inbox chan *nats.Msg
	done  chan struct{}
	once  sync.Once
}

// Connect establishes the NATS connection and starts the dispatch loop. The
// handler is invoked from the dispatch goroutine for every decodable envelope
// on a subscribed subject.
func Connect(cfg Config, handler Handler) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectBufSize(cfg.ReconnectBufSize),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("bus: disconnected: %v", err)
			} else {
				log.Printf("bus: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			// The client re-establishes all subscriptions itself; we only
			// record that a degraded window happened.
			metrics.BusReconnects.Inc()
			log.Printf("bus: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("bus: connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	log.Printf("bus: connected to %s", nc.ConnectedUrl())

	b := &Bus{
		conn:    nc,
		handler: handler,
		subs:    make(map[string]*nats.Subscription),
		inbox:   make(chan *nats.Msg, inboxSize),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b, nil
}

// Publish sends a pre-encoded broker payload to the subject. During a
// reconnect window the client queues up to ReconnectBufSize bytes and flushes
// on reconnect; beyond that Publish returns an error rather than dropping.
func (b *Bus) Publish(subject string, payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		metrics.BusErrors.WithLabelValues("publish").Inc()
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches the subject to the dispatch loop. Subscribing a subject
// that is already attached is a no-op.
func (b *Bus) Subscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[subject]; ok {
		return nil
	}
	sub, err := b.conn.ChanSubscribe(subject, b.inbox)
	if err != nil {
		metrics.BusErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	b.subs[subject] = sub
	return nil
}

// Unsubscribe detaches the subject. Unsubscribing a subject that is not
// attached is safe.
func (b *Bus) Unsubscribe(subject string) error {
	b.mu.Lock()
	sub, ok := b.subs[subject]
	if ok {
		delete(b.subs, subject)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("bus: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// dispatch is the process's single inbound loop. Malformed payloads and
// foreign subjects are logged and skipped; the loop only exits on Close.
func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.inbox:
			domain, channelID, ok := topic.Split(msg.Subject)
			if !ok {
				log.Printf("bus: message on foreign subject %q dropped", msg.Subject)
				continue
			}
			env, route, err := protocol.DecodeBroker(msg.Data)
			if err != nil {
				metrics.BusErrors.WithLabelValues("decode").Inc()
				log.Printf("bus: malformed payload on %s: %v", msg.Subject, err)
				continue
			}
			b.handler(domain, channelID, env, route)
		}
	}
}

// Close stops the dispatch loop, drains all subscriptions, and closes the
// connection.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)

		b.mu.Lock()
		for subject, sub := range b.subs {
			if err := sub.Drain(); err != nil {
				log.Printf("bus: drain %s: %v", subject, err)
			}
		}
		b.subs = make(map[string]*nats.Subscription)
		b.mu.Unlock()

		if err := b.conn.Drain(); err != nil {
			log.Printf("bus: connection drain: %v", err)
		}
		log.Printf("bus: closed")
	})
}
