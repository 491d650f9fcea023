package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tripline/realtime/internal/engine"
	"github.com/tripline/realtime/internal/protocol"
	"github.com/tripline/realtime/internal/ratelimit"
	"github.com/tripline/realtime/internal/registry"
)

const intentTimeout = 10 * time.Second

// dispatch parses one inbound frame and routes the intent to the engine.
// Engine-level failures already produce an error envelope on the connection,
// so only transport-level problems are reported from here.
func (s *Server) dispatch(eng *engine.Engine, c *Conn, rc *registry.Connection, data []byte) {
	kind, intent, err := protocol.ParseIntent(data)
	if err != nil {
		log.Printf("ws: parse intent conn=%s: %v", c.id, err)
		s.sendError(c, rc.ChannelID, "parse_error", "invalid message format")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
	defer cancel()

	switch p := intent.(type) {
	case protocol.SendMessageIntent:
		allowed, _ := s.limiter.Allow(ctx, rc.UserID, ratelimit.RuleMessage)
		if !allowed {
			s.sendError(c, rc.ChannelID, "rate_limited", "too many messages, slow down")
			return
		}
		if _, err := eng.HandleMessage(ctx, rc, p.Content); err != nil {
			log.Printf("ws: message conn=%s: %v", c.id, err)
		}

	case protocol.TypingIntent:
		eng.HandleTyping(rc.ChannelID, rc.UserID, kind == protocol.IntentTypingStart)

	case protocol.SendLocationIntent:
		allowed, _ := s.limiter.Allow(ctx, rc.UserID, ratelimit.RuleLocation)
		if !allowed {
			s.sendError(c, rc.ChannelID, "rate_limited", "location updates too frequent")
			return
		}
		if err := eng.HandleLocation(rc, p.Location); err != nil {
			log.Printf("ws: location conn=%s: %v", c.id, err)
		}

	case protocol.EndSessionIntent:
		eng.EndSession(rc.ChannelID, rc.UserID)

	default:
		log.Printf("ws: unsupported intent %q conn=%s", kind, c.id)
		s.sendError(c, rc.ChannelID, "unsupported_intent", "unsupported message type")
	}
}

// sendError delivers a local-only error envelope on the connection. Errors
// during transmission are logged, not propagated; the read loop notices a
// dead connection on its own.
func (s *Server) sendError(c *Conn, channelID, code, message string) {
	frame, err := json.Marshal(protocol.NewError(channelID, code, message))
	if err != nil {
		log.Printf("ws: encode error envelope conn=%s: %v", c.id, err)
		return
	}
	if err := c.Send(frame); err != nil {
		log.Printf("ws: send error envelope conn=%s: %v", c.id, err)
	}
}
