// Package network implements the TCP transport to the Seer login and game
// servers, the server table and login-server discovery.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/protocol"
)

// ErrConnectionClosed is returned by writes on a closed connection.
var ErrConnectionClosed = errors.New("connection is closed")

const defaultWriteTimeout = 10 * time.Second

// Connection wraps a TCP connection to a login or game server.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	writeTimeout time.Duration

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// Counters
	bytesIn  uint64
	bytesOut uint64

	// State
	closed bool
}

// Stats is a snapshot of connection counters.
type Stats struct {
	Remote       string    `json:"remote"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	Closed       bool      `json:"closed"`
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Connection, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewConnection(conn), nil
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		connectedAt:  now,
		lastActivity: now,
		logger:       log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// Read reads whatever bytes are available into buf. A zero-length read with
// a nil error never happens; end of stream is reported as io.EOF.
func (c *Connection) Read(buf []byte) (int, error) {
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.bytesIn += uint64(n)
		c.mu.Unlock()
	}
	return n, err
}

// ReadFrame reads a single length-prefixed frame.
// Blocks until a frame is available or timeout occurs.
func (c *Connection) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	data, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.bytesIn += uint64(len(data))
	c.mu.Unlock()

	return data, nil
}

// Write sends a complete frame.
func (c *Connection) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.lastActivity = time.Now()
	c.bytesOut += uint64(len(frame))
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Remote:       c.conn.RemoteAddr().String(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		BytesIn:      c.bytesIn,
		BytesOut:     c.bytesOut,
		Closed:       c.closed,
	}
}
