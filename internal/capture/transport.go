// Package capture records the exact request head an HTTP client puts on the
// wire. Standard clients discard the serialized request after sending it for
// memory efficiency; the only place the literal bytes are still observable,
// including headers the transport injects on its own (Host, User-Agent,
// Accept-Encoding, Connection), is the connection itself. Transport wraps
// every dialed connection so that block is kept.
package capture

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HeaderField is a single header as placed on the wire. Order and duplicates
// are preserved exactly as written; later duplicates append rather than
// overwrite.
type HeaderField struct {
	Name  string
	Value string
}

// Trace is what the transport wrote to the connection before the request
// body: the ordered header fields and the raw request-line-plus-headers
// block including the terminating blank line.
type Trace struct {
	Fields []HeaderField
	Raw    string
}

// Transport is an http.RoundTripper that behaves exactly like the wrapped
// *http.Transport but records the serialized head of the first request on
// every connection it dials. It adds no failure modes of its own; retries,
// redirects and pooling stay with the wrapped transport.
//
// A Transport is meant to serve a single fetch. Trace state is per
// connection attempt: a redial replaces the previous capture.
type Transport struct {
	base *http.Transport

	mu    sync.Mutex
	trace *Trace
}

// NewTransport decorates base with wire capture. The base transport is
// cloned and pinned to HTTP/1.1, since the capture parses the textual
// header block.
func NewTransport(base *http.Transport) *Transport {
	t := &Transport{}

	base = base.Clone()
	base.ForceAttemptHTTP2 = false
	base.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}

	innerDial := base.DialContext
	if innerDial == nil {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		innerDial = d.DialContext
	}

	base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := innerDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return t.record(conn), nil
	}

	// The recording wrapper has to sit above TLS so the plaintext head is
	// captured, which means doing the handshake here instead of leaving it
	// to the transport.
	base.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := innerDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		cfg := base.TLSClientConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			cfg.ServerName = host
		}

		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return t.record(tlsConn), nil
	}

	t.base = base
	return t
}

// RoundTrip delegates to the wrapped transport unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req)
}

// Trace returns the captured request head of the most recent connection.
// The second return is false until a complete header block has been written.
func (t *Transport) Trace() (Trace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.trace == nil {
		return Trace{}, false
	}
	return *t.trace, true
}

// CloseIdleConnections releases pooled connections of the wrapped transport.
func (t *Transport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

func (t *Transport) record(conn net.Conn) net.Conn {
	return &recordConn{Conn: conn, sink: t.setTrace}
}

func (t *Transport) setTrace(raw string) {
	trace := parseTrace(raw)
	t.mu.Lock()
	t.trace = &trace
	t.mu.Unlock()
}

// parseTrace splits a raw head block into ordered fields. The request line
// is kept in Raw only.
func parseTrace(raw string) Trace {
	trace := Trace{Raw: raw}

	lines := strings.Split(strings.TrimSuffix(raw, headerTerminator), "\r\n")
	if len(lines) < 2 {
		return trace
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		trace.Fields = append(trace.Fields, HeaderField{
			Name:  name,
			Value: strings.TrimSpace(value),
		})
	}
	return trace
}
