package replay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rjboer/GoAScope/internal/logging"
)

// Dialer hands out in-memory connections that replay a capture. Every dial
// starts again from the first segment.
type Dialer struct {
	Capture *Capture

	// Speed scales capture timing; 2 replays twice as fast. Zero or
	// negative writes the stream as fast as the reader drains it.
	Speed float64

	// Loop restarts the stream on the same connection instead of closing
	// it at the end.
	Loop bool

	Logger logging.Logger

	mu    sync.Mutex
	dials int
	wg    sync.WaitGroup
}

// NewDialer returns an unpaced, non-looping dialer for c.
func NewDialer(c *Capture, logger logging.Logger) *Dialer {
	return &Dialer{Capture: c, Logger: logging.OrDefault(logger)}
}

// Dials reports how many connections have been handed out.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// DialContext ignores network and address.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Capture == nil || len(d.Capture.Segments) == 0 {
		return nil, ErrEmptyCapture
	}
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	client, server := net.Pipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer server.Close()
		d.feed(server, n)
	}()
	return client, nil
}

// Wait blocks until every feeding goroutine has finished.
func (d *Dialer) Wait() { d.wg.Wait() }

func (d *Dialer) feed(w net.Conn, dial int) {
	log := logging.OrDefault(d.Logger).With(
		logging.Field{Key: "subsystem", Value: "replay"},
		logging.Field{Key: "dial", Value: dial},
	)
	for pass := 1; ; pass++ {
		sent, err := d.pass(w)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn("replay write failed", logging.Field{Key: "err", Value: err})
			} else {
				log.Debug("replay client went away", logging.Field{Key: "bytes", Value: sent})
			}
			return
		}
		log.Debug("replay pass complete",
			logging.Field{Key: "pass", Value: pass},
			logging.Field{Key: "bytes", Value: sent})
		if !d.Loop {
			return
		}
	}
}

func (d *Dialer) pass(w net.Conn) (int, error) {
	var sent int
	segs := d.Capture.Segments
	for i, s := range segs {
		if d.Speed > 0 && i > 0 {
			gap := s.Time.Sub(segs[i-1].Time)
			if gap > 0 {
				time.Sleep(time.Duration(float64(gap) / d.Speed))
			}
		}
		n, err := w.Write(s.Data)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}
