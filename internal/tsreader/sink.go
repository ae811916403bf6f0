package tsreader

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSinkFull is returned by a sink that cannot take a batch right now. The
// reader then releases the batch itself and counts it as dropped.
var ErrSinkFull = errors.New("sink full")

// ErrSinkClosed is returned after a sink was closed.
var ErrSinkClosed = errors.New("sink closed")

// Sink receives emitted batches. A nil error transfers ownership of the
// batch to the sink, which must eventually hand its Handle to
// Reader.ReturnBatch. Any error leaves ownership with the reader.
type Sink interface {
	Emit(b Batch) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(b Batch) error

var _ Sink = SinkFunc(nil)

// Emit implements Sink.
func (f SinkFunc) Emit(b Batch) error { return f(b) }

// ChannelSink is a bounded single-producer single-consumer queue between the
// reader and a consumer goroutine. When the channel is full the batch is
// refused; the reader never blocks on a slow consumer.
type ChannelSink struct {
	ch      chan Batch
	mu      sync.Mutex
	closed  bool
	refused atomic.Uint64
}

// NewChannelSink creates a sink buffering up to capacity batches.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelSink{ch: make(chan Batch, capacity)}
}

// C returns the receive side for the consumer.
func (s *ChannelSink) C() <-chan Batch { return s.ch }

// Emit implements Sink.
func (s *ChannelSink) Emit(b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- b:
		return nil
	default:
		s.refused.Add(1)
		return ErrSinkFull
	}
}

// Refused reports how many batches were turned away because the channel was
// full.
func (s *ChannelSink) Refused() uint64 { return s.refused.Load() }

// Close closes the channel so a ranging consumer terminates. Batches still
// queued remain readable and must still be returned.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
