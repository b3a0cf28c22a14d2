package capture

import (
	"bytes"
	"net"
	"sync"
)

// headerTerminator is the blank line separating the request head from the
// body in an HTTP/1.1 message.
const headerTerminator = "\r\n\r\n"

// recordConn wraps a net.Conn and snapshots everything written to it until
// the end of the first request head. The transport serializes the request
// line and headers immediately before the body, so the first blank line
// marks the end of what we want to keep; after that the conn forwards
// writes without buffering.
type recordConn struct {
	net.Conn

	mu   sync.Mutex
	buf  []byte
	done bool
	sink func(raw string)
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if !c.done {
		c.buf = append(c.buf, p...)
		if i := bytes.Index(c.buf, []byte(headerTerminator)); i >= 0 {
			raw := string(c.buf[:i+len(headerTerminator)])
			c.done = true
			c.buf = nil
			c.sink(raw)
		}
	}
	c.mu.Unlock()

	return c.Conn.Write(p)
}
