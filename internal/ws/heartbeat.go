package ws

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically pings every
// connection, evicts the ones that have gone silent, and refreshes the
// cross-instance presence records. It exits when the server shuts down.
func (s *Server) startHeartbeat() {
	go func() {
		ticker := time.NewTicker(s.heartbeat.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections()
			}
		}
	}()
}

// checkConnections pings every live connection and drops the stale ones. A
// connection counts as stale when nothing has been read from it for a full
// ping interval plus the grace timeout. Presence TTLs get refreshed for the
// survivors so a healthy connection never falls out of the presence map.
func (s *Server) checkConnections() {
	deadline := s.heartbeat.Interval + s.heartbeat.Timeout
	now := time.Now()

	for _, l := range s.allLinks() {
		if l.conn.idleFor(now) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%s idle=%s",
				l.conn.id, l.rc.UserID, l.conn.idleFor(now).Round(time.Second))
			s.drop(l.eng, l.conn, l.rc)
			continue
		}

		if err := l.conn.Ping(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", l.conn.id, err)
			s.drop(l.eng, l.conn, l.rc)
			continue
		}

		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.presence.Refresh(ctx, l.eng.Domain(), l.rc.ChannelID, l.rc.UserID); err != nil {
				log.Printf("ws: presence refresh user=%s: %v", l.rc.UserID, err)
			}
			cancel()
		}
	}
}
