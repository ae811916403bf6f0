package tsreader

import (
	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/logging"
)

// staleFactor is how many blocks one queue may grow to while the resolver is
// not ready before the other queue is treated as left over from a previous
// polarisation scheme.
const staleFactor = 4

// Assembler holds decoded pulses until the resolver reports a complete block.
// In simultaneous mode every pulse goes to a single combined queue, kept in
// the H slot.
type Assembler struct {
	simultaneous bool
	hq, vq       []iwrf.Pulse
	burst        *iwrf.Burst
	logger       logging.Logger

	staleDiscards  uint64
	discarded      uint64
	burstsAttached uint64
	burstsDropped  uint64
}

func NewAssembler(simultaneous bool, logger logging.Logger) *Assembler {
	return &Assembler{
		simultaneous: simultaneous,
		logger:       logging.OrDefault(logger).With(logging.Field{Key: "subsystem", Value: "assembler"}),
	}
}

// Counts returns the queue lengths.
func (a *Assembler) Counts() (h, v int) { return len(a.hq), len(a.vq) }

// Simultaneous reports whether pulses share the combined queue.
func (a *Assembler) Simultaneous() bool { return a.simultaneous }

// Mode resolves the current queues against block size n.
func (a *Assembler) Mode(n int) ChannelMode { return ResolveMode(len(a.hq), len(a.vq), n) }

// SetBurst stores b as the pending burst for the next pulse.
func (a *Assembler) SetBurst(b iwrf.Burst) {
	if a.burst != nil {
		a.burstsDropped++
	}
	a.burst = &b
}

// Add queues p. A pending burst is attached when its sequence number matches
// p, and dropped otherwise.
func (a *Assembler) Add(p iwrf.Pulse) {
	if a.burst != nil {
		if a.burst.PulseSeqNum == p.Header.SeqNum {
			p.Burst = a.burst.IQ
			a.burstsAttached++
		} else {
			a.burstsDropped++
		}
		a.burst = nil
	}

	switch {
	case a.simultaneous, p.Horizontal:
		a.hq = append(a.hq, p)
	default:
		a.vq = append(a.vq, p)
	}
}

// Resolve returns the mode for block size n. When the queues are not ready
// and one of them has grown to staleFactor blocks, the other one is
// discarded first.
func (a *Assembler) Resolve(n int) ChannelMode {
	mode := a.Mode(n)
	if !mode.Ready() && a.discardStale(n) {
		mode = a.Mode(n)
	}
	return mode
}

// discardStale drops the shorter queue once the other one holds staleFactor
// blocks without the resolver becoming ready.
func (a *Assembler) discardStale(n int) bool {
	if n < 1 {
		return false
	}
	limit := staleFactor * n
	var dropped int
	var which string
	switch {
	case len(a.hq) >= limit && len(a.vq) > 0:
		dropped, which = len(a.vq), "V"
		clear(a.vq)
		a.vq = a.vq[:0]
	case len(a.vq) >= limit && len(a.hq) > 0:
		dropped, which = len(a.hq), "H"
		clear(a.hq)
		a.hq = a.hq[:0]
	default:
		return false
	}
	a.staleDiscards++
	a.discarded += uint64(dropped)
	a.logger.Warn("discarding stale polarisation queue",
		logging.Field{Key: "queue", Value: which},
		logging.Field{Key: "pulses", Value: dropped},
		logging.Field{Key: "blockSize", Value: n})
	return true
}

// Blocks returns how many whole blocks of n pulses mode can take from the
// queues.
func (a *Assembler) Blocks(mode ChannelMode, n int) int {
	if n < 1 {
		return 0
	}
	switch mode {
	case ModeHOnly:
		return len(a.hq) / n
	case ModeVOnly:
		return len(a.vq) / n
	case ModeAlternating:
		return min(len(a.hq), len(a.vq)) / n
	default:
		return 0
	}
}

// Block returns the k-th block of n pulses for mode. The queue a mode does
// not use is returned nil. The slices are only valid until Clear.
func (a *Assembler) Block(mode ChannelMode, k, n int) (hq, vq []iwrf.Pulse) {
	window := func(q []iwrf.Pulse) []iwrf.Pulse {
		if n < 1 || len(q) < (k+1)*n {
			return nil
		}
		return q[k*n : (k+1)*n]
	}
	switch mode {
	case ModeHOnly:
		return window(a.hq), nil
	case ModeVOnly:
		return nil, window(a.vq)
	case ModeAlternating:
		return window(a.hq), window(a.vq)
	}
	return nil, nil
}

// Queues exposes the queued pulses. The slices are only valid until Clear.
func (a *Assembler) Queues() (hq, vq []iwrf.Pulse) { return a.hq, a.vq }

// Consume clears the queues after a flush that used the first blocks whole
// blocks of mode, and returns how many queued pulses were not part of them.
// Those are counted as discarded.
func (a *Assembler) Consume(mode ChannelMode, blocks, n int) int {
	used := blocks * n
	if mode == ModeAlternating {
		used *= 2
	}
	left := len(a.hq) + len(a.vq) - used
	if left < 0 {
		left = 0
	}
	a.discarded += uint64(left)
	a.Clear()
	return left
}

// Clear drops every queued pulse and any pending burst.
func (a *Assembler) Clear() {
	clear(a.hq)
	clear(a.vq)
	a.hq = a.hq[:0]
	a.vq = a.vq[:0]
	a.burst = nil
}

// SetSimultaneous switches queueing mode; queued pulses are dropped when the
// mode changes.
func (a *Assembler) SetSimultaneous(on bool) {
	if a.simultaneous == on {
		return
	}
	a.simultaneous = on
	left := len(a.hq) + len(a.vq)
	a.discarded += uint64(left)
	a.Clear()
	a.logger.Info("queueing mode changed",
		logging.Field{Key: "simultaneous", Value: on},
		logging.Field{Key: "dropped", Value: left})
}
