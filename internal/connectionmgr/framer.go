package connectionmgr

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rjboer/GoAScope/internal/iwrf"
)

// ErrTimeout means no complete packet is available yet. It is not a failure:
// the caller retries on its next tick.
var ErrTimeout = errors.New("no complete packet available")

// ErrNotConnected is returned when the framer has no transport.
var ErrNotConnected = errors.New("framer: not connected")

// DesyncError reports a header that failed registry validation. The framer
// has already closed the transport when it returns this error.
type DesyncError struct {
	Header iwrf.Header
	Err    error
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("stream desynchronised at id=0x%08x len=%d: %v", uint32(e.Header.ID), e.Header.Length, e.Err)
}

func (e *DesyncError) Unwrap() error { return e.Err }

// Default framer timeouts.
const (
	DefaultPeekWait    = time.Millisecond
	DefaultReadTimeout = 20 * time.Millisecond
)

// FramerStats counts framing outcomes. Diagnostic only.
type FramerStats struct {
	Packets  uint64
	Bytes    uint64
	Timeouts uint64
	Desyncs  uint64
}

// Framer reads whole IWRF packets from a stream. Nothing is consumed from the
// stream until a complete, valid packet is buffered, so a timeout never
// leaves the stream misaligned.
type Framer struct {
	PeekWait    time.Duration
	ReadTimeout time.Duration
	TimeNow     func() time.Time

	conn  net.Conn
	br    *bufio.Reader
	buf   []byte
	stats FramerStats
}

func NewFramer() *Framer {
	return &Framer{
		PeekWait:    DefaultPeekWait,
		ReadTimeout: DefaultReadTimeout,
		TimeNow:     time.Now,
	}
}

// Reset attaches a new transport and drops anything buffered from the old one.
func (f *Framer) Reset(conn net.Conn) {
	f.conn = conn
	if conn == nil {
		return
	}
	if f.br == nil {
		f.br = bufio.NewReaderSize(conn, iwrf.MaxPacketLen)
		return
	}
	f.br.Reset(conn)
}

// Stats returns a copy of the framing counters.
func (f *Framer) Stats() FramerStats { return f.stats }

// Buffered reports how many bytes are held but not yet framed.
func (f *Framer) Buffered() int {
	if f.br == nil {
		return 0
	}
	return f.br.Buffered()
}

// ReadPacket returns the next packet, ErrTimeout, a *DesyncError or a read
// error. The returned payload is reused by the next call.
func (f *Framer) ReadPacket() (iwrf.Packet, error) {
	if f.conn == nil || f.br == nil {
		return iwrf.Packet{}, ErrNotConnected
	}

	hdr, err := f.peek(iwrf.HeaderSize, f.PeekWait)
	if err != nil {
		return iwrf.Packet{}, err
	}
	h, err := iwrf.ParseHeader(hdr)
	if err != nil {
		return iwrf.Packet{}, err
	}
	if err := iwrf.Validate(h); err != nil {
		f.stats.Desyncs++
		_ = f.conn.Close()
		f.conn = nil
		return iwrf.Packet{}, &DesyncError{Header: h, Err: err}
	}

	n := int(h.Length)
	body, err := f.peek(n, f.ReadTimeout)
	if err != nil {
		return iwrf.Packet{}, err
	}
	f.buf = append(f.buf[:0], body...)
	if _, err := f.br.Discard(n); err != nil {
		return iwrf.Packet{}, fmt.Errorf("discard framed packet: %w", err)
	}
	f.stats.Packets++
	f.stats.Bytes += uint64(n)
	return iwrf.Packet{ID: h.ID, Length: h.Length, Payload: f.buf}, nil
}

// peek returns n buffered bytes without consuming them, reading from the
// transport for at most wait when they are not buffered yet.
func (f *Framer) peek(n int, wait time.Duration) ([]byte, error) {
	if f.br.Buffered() >= n {
		return f.br.Peek(n)
	}
	if err := f.conn.SetReadDeadline(f.TimeNow().Add(wait)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	b, err := f.br.Peek(n)
	if err == nil {
		return b, nil
	}
	if isTimeout(err) {
		f.stats.Timeouts++
		return nil, ErrTimeout
	}
	return nil, fmt.Errorf("read packet: %w", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
