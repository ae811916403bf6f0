package tsreader

// ChannelMode is the polarisation topology of the queued pulses.
type ChannelMode int

const (
	ModeNotReady ChannelMode = iota
	ModeHOnly
	ModeVOnly
	ModeAlternating
)

func (m ChannelMode) String() string {
	switch m {
	case ModeHOnly:
		return "H_ONLY"
	case ModeVOnly:
		return "V_ONLY"
	case ModeAlternating:
		return "ALTERNATING"
	default:
		return "NOT_READY"
	}
}

// Ready reports whether a flush should happen.
func (m ChannelMode) Ready() bool { return m != ModeNotReady }

// ResolveMode maps queue counts and the block size n to a topology. It has no
// state: the reader evaluates it once per tick after draining, so a late
// pulse of the other polarisation can still change the outcome before a
// flush. A block size below one never becomes ready.
func ResolveMode(h, v, n int) ChannelMode {
	if n < 1 {
		return ModeNotReady
	}
	switch {
	case h >= n && v >= n:
		return ModeAlternating
	case h >= n && v == 0:
		return ModeHOnly
	case v >= n && h == 0:
		return ModeVOnly
	default:
		return ModeNotReady
	}
}
