package shared

import (
	"net"
	"sync/atomic"
)

// CountedConn wraps a net.Conn and atomically counts inbound and outbound bytes.
type CountedConn struct {
	net.Conn
	bytesIn  *atomic.Uint64
	bytesOut *atomic.Uint64
}

// NewCountedConn creates a CountedConn that adds to the given counters.
func NewCountedConn(conn net.Conn, bytesIn, bytesOut *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		bytesIn:  bytesIn,
		bytesOut: bytesOut,
	}
}

// Read reads from the underlying connection and counts what arrived.
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesIn.Add(uint64(n))
	}
	return n, err
}

// Write writes to the underlying connection and counts what was sent.
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesOut.Add(uint64(n))
	}
	return n, err
}
