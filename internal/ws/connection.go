package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn wraps a single upgraded WebSocket connection. Outbound frames go
// through a write mutex so fanout goroutines and the heartbeat never
// interleave frame bytes. Conn satisfies the registry's sender contract.
type Conn struct {
	id           string
	netConn      net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActive   atomic.Int64 // unix nanos of the last successful read
}

func newConn(id string, netConn net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           id,
		netConn:      netConn,
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// Send writes a WebSocket text frame. A write deadline covers the whole
// frame so one stalled client cannot wedge a fanout goroutine.
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.netConn, ws.OpText, frame)
}

// Ping sends a protocol-level ping frame (opcode 0x9); browsers answer with
// a pong automatically.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.netConn, ws.NewPingFrame(nil))
}

func (c *Conn) pong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.netConn, ws.NewPongFrame(payload))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// touch records read activity; any inbound frame proves the peer is alive.
func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}
