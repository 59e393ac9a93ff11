package client

import (
	"net"
	"sync"
	"time"
)

// deadlineConn bounds every read and write on the wrapped connection. A zero
// timeout leaves that direction unbounded.
//
// Read deadlines only apply while a request holds the connection. The
// transport keeps a read pending on idle pooled connections, and bounding it
// would close them after one read timeout instead of IdleConnTimeout.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu    sync.Mutex
	inUse int
}

func newDeadlineConn(conn net.Conn, readTimeout, writeTimeout time.Duration) net.Conn {
	if readTimeout <= 0 && writeTimeout <= 0 {
		return conn
	}
	return &deadlineConn{Conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// asDeadlineConn finds the deadlineConn under conn, looking through TLS.
func asDeadlineConn(conn net.Conn) *deadlineConn {
	for conn != nil {
		switch c := conn.(type) {
		case *deadlineConn:
			return c
		case interface{ NetConn() net.Conn }:
			conn = c.NetConn()
		default:
			return nil
		}
	}
	return nil
}

// acquire marks the connection as carrying a request.
func (c *deadlineConn) acquire() {
	c.mu.Lock()
	c.inUse++
	c.mu.Unlock()
}

// release undoes acquire. Once no request holds the connection, the deadline
// of any pending read is lifted.
func (c *deadlineConn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse > 0 {
		c.inUse--
	}
	if c.inUse == 0 && c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}
}

// Read fails with a timeout error when no bytes arrive within readTimeout
// while the connection is in use.
func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		c.mu.Lock()
		var err error
		if c.inUse > 0 {
			err = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

// Write fails with a timeout error when the peer does not accept b within
// writeTimeout. The transport's reader may already be blocked waiting for the
// response, so its deadline is pushed out to readTimeout past the write.
func (c *deadlineConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	inUse := c.inUse > 0
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	if inUse && c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.writeTimeout + c.readTimeout)); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()

	n, err := c.Conn.Write(b)

	if err == nil && inUse && c.readTimeout > 0 {
		c.mu.Lock()
		if c.inUse > 0 {
			err = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		c.mu.Unlock()
	}
	return n, err
}
