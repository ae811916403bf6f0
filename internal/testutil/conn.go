// Package testutil provides shared test transports and fixtures.
package testutil

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ScriptConn is a net.Conn whose reads replay queued chunks. Once the queue
// is empty a read reports a deadline timeout, or io.EOF after SetEOF. Each
// chunk is returned by at most one read, so tests control exactly how the
// bytes are split on the wire.
type ScriptConn struct {
	mu         sync.Mutex
	chunks     [][]byte
	eof        bool
	closed     bool
	closeCalls int
	reads      int
	written    []byte
}

// NewScriptConn returns a conn that will deliver chunks in order.
func NewScriptConn(chunks ...[]byte) *ScriptConn {
	c := &ScriptConn{}
	c.Feed(chunks...)
	return c
}

// Feed queues more chunks.
func (c *ScriptConn) Feed(chunks ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range chunks {
		if len(b) > 0 {
			c.chunks = append(c.chunks, append([]byte(nil), b...))
		}
	}
}

// SetEOF makes reads on an empty queue return io.EOF.
func (c *ScriptConn) SetEOF() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
}

func (c *ScriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.chunks) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *ScriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *ScriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *ScriptConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns the number of queued bytes not yet read.
func (c *ScriptConn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.chunks {
		n += len(b)
	}
	return n
}

func (c *ScriptConn) LocalAddr() net.Addr  { return scriptAddr("local") }
func (c *ScriptConn) RemoteAddr() net.Addr { return scriptAddr("remote") }

func (c *ScriptConn) SetDeadline(time.Time) error      { return nil }
func (c *ScriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *ScriptConn) SetWriteDeadline(time.Time) error { return nil }

type scriptAddr string

func (a scriptAddr) Network() string { return "script" }
func (a scriptAddr) String() string  { return string(a) }

// Concat joins encoded packets into one byte stream.
func Concat(pkts ...[]byte) []byte {
	var out []byte
	for _, p := range pkts {
		out = append(out, p...)
	}
	return out
}

// ManualClock is a settable time source for code that takes a TimeNow func.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts the clock at a fixed instant.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current clock value.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
