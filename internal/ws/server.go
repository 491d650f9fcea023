// Package ws is the transport boundary: it upgrades HTTP requests to
// WebSocket connections, authenticates them, parses client intents, and
// hands everything else to the fanout engines. No fanout decisions are made
// here.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tripline/realtime/internal/auth"
	"github.com/tripline/realtime/internal/engine"
	"github.com/tripline/realtime/internal/presence"
	"github.com/tripline/realtime/internal/ratelimit"
	"github.com/tripline/realtime/internal/registry"
	"github.com/tripline/realtime/internal/telemetry"
	"github.com/tripline/realtime/internal/topic"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // reserved headroom on top of the heartbeat window
	WriteTimeout   time.Duration // timeout for a single outbound frame
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// link ties a transport connection to its registry entry so the heartbeat and
// shutdown paths can disconnect through the owning engine.
type link struct {
	eng  *engine.Engine
	conn *Conn
	rc   *registry.Connection
}

// Server terminates WebSocket connections and feeds the fanout engines. Each
// connection gets a dedicated read goroutine; writes are serialized per
// connection by the Conn write mutex.
type Server struct {
	config    ServerConfig
	heartbeat HeartbeatConfig
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	presence  *presence.Store

	engines map[string]*engine.Engine // fanout domain -> engine

	mu    sync.Mutex
	links map[*Conn]*link

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. The limiter and presence store may be nil; the
// server then runs without rate limiting and without the cross-instance
// presence map.
func NewServer(config ServerConfig, verifier *auth.Verifier, limiter *ratelimit.Limiter, pres *presence.Store) *Server {
	return &Server{
		config:    config,
		heartbeat: DefaultHeartbeatConfig(),
		verifier:  verifier,
		limiter:   limiter,
		presence:  pres,
		engines:   make(map[string]*engine.Engine),
		links:     make(map[*Conn]*link),
		done:      make(chan struct{}),
	}
}

// RegisterEngine mounts an engine under its fanout domain.
func (s *Server) RegisterEngine(eng *engine.Engine) {
	s.engines[eng.Domain()] = eng
}

// Handler returns the HTTP routes served by this server. Exposed separately
// so the main package can mount extra routes (metrics) on the same mux.
func (s *Server) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.handleSocket(topic.DomainChat))
	mux.HandleFunc("/ws/location", s.handleSocket(topic.DomainLocation))
	mux.HandleFunc("/api/location/history", s.handleLocationHistory)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving on the configured address and blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start(handler http.Handler) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: handler,
	}

	s.startHeartbeat()

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleSocket returns the upgrade handler for one fanout domain. The client
// passes the channel id and token as query parameters; the connection is
// bound to that channel for its whole lifetime.
func (s *Server) handleSocket(domain string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng, ok := s.engines[domain]
		if !ok {
			http.Error(w, "domain not served", http.StatusNotFound)
			return
		}
		if s.connectionCount() >= s.config.MaxConnections {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		channelID := r.URL.Query().Get("channel")
		if channelID == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		host, _, splitErr := net.SplitHostPort(r.RemoteAddr)
		if splitErr != nil {
			host = r.RemoteAddr
		}
		allowed, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		netConn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			log.Printf("ws: upgrade failed: %v", err)
			return
		}

		c := newConn(uuid.NewString(), netConn, s.config.WriteTimeout)
		rc, err := eng.Connect(c, channelID, identity.UserID, identity.Role)
		if err != nil {
			log.Printf("ws: attach failed domain=%s channel=%s user=%s: %v",
				domain, channelID, identity.UserID, err)
			_ = c.Close()
			return
		}

		s.mu.Lock()
		s.links[c] = &link{eng: eng, conn: c, rc: rc}
		s.mu.Unlock()

		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.presence.Track(ctx, domain, channelID, identity.UserID, identity.Role); err != nil {
				log.Printf("ws: presence track user=%s: %v", identity.UserID, err)
			}
			cancel()
		}

		go s.readLoop(eng, c, rc)
	}
}

// readLoop reads frames until the connection dies. wsutil.NextReader hands
// back control frames too, so close handshakes and pings are dealt with
// without losing a data frame.
func (s *Server) readLoop(eng *engine.Engine, c *Conn, rc *registry.Connection) {
	defer s.drop(eng, c, rc)

	// The heartbeat pings every Interval; a healthy peer always produces a
	// pong or data frame before the idle deadline expires.
	idle := s.heartbeat.Interval + s.heartbeat.Timeout + s.config.ReadTimeout

	for {
		_ = c.netConn.SetReadDeadline(time.Now().Add(idle))

		header, reader, err := wsutil.NextReader(c.netConn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if header.Length > 0 {
				if _, err := io.ReadFull(reader, payload); err != nil {
					return
				}
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.pong(payload); err != nil {
					return
				}
			}
			// Pong: activity already recorded, nothing else to do.
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		s.dispatch(eng, c, rc, data)
	}
}

// drop tears the connection down exactly once: the registry entry goes first
// so the departure events fan out, then the presence record, then the socket.
func (s *Server) drop(eng *engine.Engine, c *Conn, rc *registry.Connection) {
	s.mu.Lock()
	_, tracked := s.links[c]
	delete(s.links, c)
	s.mu.Unlock()
	if !tracked {
		return
	}

	eng.Disconnect(rc)

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Untrack(ctx, eng.Domain(), rc.ChannelID, rc.UserID); err != nil {
			log.Printf("ws: presence untrack user=%s: %v", rc.UserID, err)
		}
		cancel()
	}

	_ = c.Close()
}

// handleHealth reports liveness plus the local connection count per domain.
// Load balancers poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int, len(s.engines))
	total := 0
	for domain, eng := range s.engines {
		n := eng.ConnectionCount()
		counts[domain] = n
		total += n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Status      string         `json:"status"`
		Connections int            `json:"connections"`
		Domains     map[string]int `json:"domains"`
		Uptime      string         `json:"uptime"`
	}{
		Status:      "ok",
		Connections: total,
		Domains:     counts,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleLocationHistory returns the retained location samples for a channel,
// oldest first. The caller authenticates the same way socket clients do.
func (s *Server) handleLocationHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eng, ok := s.engines[topic.DomainLocation]
	if !ok {
		http.Error(w, "domain not served", http.StatusNotFound)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	if _, err := s.verifier.Verify(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ChannelID string             `json:"channel_id"`
		Samples   []telemetry.Sample `json:"samples"`
	}{
		ChannelID: channelID,
		Samples:   eng.LocationHistory(channelID),
	})
}

// connectionCount is what the accept-time cap checks. It counts links, not
// registry entries, so it can run one behind the per-domain counts the health
// endpoint reports during the window between engine attach and link insert.
func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *Server) allLinks() []*link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// Shutdown stops the listener and disconnects every client. Each disconnect
// goes through the engine so departures fan out to peers on other instances.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server")
	close(s.done)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, l := range s.allLinks() {
		s.drop(l.eng, l.conn, l.rc)
	}
	log.Printf("ws: server stopped, all connections closed")
	return nil
}
