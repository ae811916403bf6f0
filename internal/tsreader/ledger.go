package tsreader

import (
	"fmt"
	"sync"

	"github.com/rjboer/GoAScope/internal/logging"
)

// Handle identifies one issued batch. It is an index into the ledger's arena
// plus the generation of that slot, so a handle that was already released or
// belongs to a reused slot is detected instead of freeing someone else's
// buffers. The zero Handle is never issued.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.index, h.gen) }

// HandleError reports a release of a handle the ledger does not consider
// outstanding.
type HandleError struct {
	Handle Handle
	Reason string
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("release batch %s: %s", e.Handle, e.Reason)
}

type ledgerSlot struct {
	gen  uint32
	live bool
	seq  uint64
	bufs [][]complex64
}

// Ledger tracks issued batches and returns their buffers to the pool exactly
// once. The number of outstanding batches is not bounded; crossing the high
// water mark only logs.
type Ledger struct {
	mu          sync.Mutex
	slots       []ledgerSlot
	free        []uint32
	nextSeq     uint64
	outstanding int
	released    uint64
	highWater   int
	warned      bool

	pool   *BufferPool
	logger logging.Logger
}

// NewLedger creates a ledger returning buffers to pool. A highWater of zero
// disables the warning.
func NewLedger(pool *BufferPool, highWater int, logger logging.Logger) *Ledger {
	if pool == nil {
		pool = NewBufferPool(0)
	}
	return &Ledger{
		pool:      pool,
		highWater: highWater,
		logger:    logging.OrDefault(logger).With(logging.Field{Key: "subsystem", Value: "ledger"}),
	}
}

// Issue records bufs as owned by a new batch and returns its handle and
// sequence number. Sequence numbers start at 1 and are never reused.
func (l *Ledger) Issue(bufs [][]complex64) (Handle, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var idx uint32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, ledgerSlot{})
		idx = uint32(len(l.slots) - 1)
	}
	s := &l.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	l.nextSeq++
	s.live = true
	s.seq = l.nextSeq
	s.bufs = bufs
	l.outstanding++

	if l.highWater > 0 && l.outstanding > l.highWater && !l.warned {
		l.warned = true
		l.logger.Warn("outstanding batches above high water mark",
			logging.Field{Key: "outstanding", Value: l.outstanding},
			logging.Field{Key: "highWater", Value: l.highWater})
	}
	return Handle{index: idx, gen: s.gen}, s.seq
}

// Release returns the buffers of h to the pool. Releasing a handle that is
// unknown, stale or already released yields a *HandleError and touches no
// buffers.
func (l *Ledger) Release(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h.IsZero() || int(h.index) >= len(l.slots) {
		return &HandleError{Handle: h, Reason: "unknown handle"}
	}
	s := &l.slots[h.index]
	if s.gen != h.gen || !s.live {
		return &HandleError{Handle: h, Reason: "already released"}
	}
	for _, buf := range s.bufs {
		l.pool.Put(buf)
	}
	s.bufs = nil
	s.live = false
	// Bump the generation so the returned handle can never match again.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	l.free = append(l.free, h.index)
	l.outstanding--
	l.released++
	if l.outstanding <= l.highWater {
		l.warned = false
	}
	return nil
}

// Outstanding reports the number of issued, unreleased batches.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// Released reports how many batches were returned.
func (l *Ledger) Released() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// LastSeq returns the most recently issued sequence number, 0 if none.
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Abandon forgets every outstanding batch without touching its buffers,
// which stay with whoever holds them. Handles issued before Abandon are
// invalid afterwards. It returns the number of batches abandoned.
func (l *Ledger) Abandon() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.slots {
		s := &l.slots[i]
		if !s.live {
			continue
		}
		s.live = false
		s.bufs = nil
		s.gen++
		if s.gen == 0 {
			s.gen = 1
		}
		l.free = append(l.free, uint32(i))
		n++
	}
	l.outstanding = 0
	l.warned = false
	return n
}
