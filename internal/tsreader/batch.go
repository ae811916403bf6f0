package tsreader

import "github.com/rjboer/GoAScope/internal/iwrf"

// Batch is one output channel of a flush: Gates samples per pulse for every
// pulse of the block, in arrival order. The consumer owns IQ until it passes
// Handle to Reader.ReturnBatch, and must not touch IQ afterwards.
type Batch struct {
	ChannelID    int
	Gates        int
	SampleRateHz float64
	Seq          uint64
	Mode         ChannelMode
	IQ           [][]complex64
	Handle       Handle
}

// Output channel numbers.
const (
	OutChannel0 = iota
	OutChannel1
	OutChannel2
	OutChannel3
)

type cellSource int

const (
	fromH cellSource = iota
	fromV
)

type cellKind int

const (
	cellRaw0 cellKind = iota
	cellRaw1
	cellBurst
)

type cell struct {
	out  int
	src  cellSource
	kind cellKind
}

// channelMap is the fixed output mapping per mode.
var channelMap = map[ChannelMode][]cell{
	ModeHOnly: {
		{OutChannel0, fromH, cellRaw0},
		{OutChannel1, fromH, cellRaw1},
		{OutChannel2, fromH, cellBurst},
	},
	ModeVOnly: {
		{OutChannel0, fromV, cellRaw0},
		{OutChannel1, fromV, cellRaw1},
		{OutChannel3, fromV, cellBurst},
	},
	ModeAlternating: {
		{OutChannel0, fromH, cellRaw0},
		{OutChannel1, fromV, cellRaw0},
		{OutChannel2, fromV, cellRaw1},
		{OutChannel3, fromH, cellRaw1},
	},
}

// cellData returns the samples a pulse contributes to a cell, or false when
// the pulse does not carry that channel.
func cellData(p *iwrf.Pulse, kind cellKind) ([]complex64, bool) {
	switch kind {
	case cellRaw0, cellRaw1:
		k := int(kind - cellRaw0)
		if k >= len(p.IQ) || p.IQ[k] == nil {
			return nil, false
		}
		return p.IQ[k], true
	default:
		if len(p.Burst) == 0 {
			return nil, false
		}
		return p.Burst, true
	}
}

// buildBatches materialises the batches of one flush from the first n pulses
// of each queue the mode uses. Every raw array is copied left aligned into a
// pool buffer of maxGates samples and zero padded; burst cells are sized by
// the longest burst. A cell is produced only when every source pulse has
// data for it. Seq and Handle are left for the ledger.
func buildBatches(mode ChannelMode, hq, vq []iwrf.Pulse, n int, pool *BufferPool) []Batch {
	cells, ok := channelMap[mode]
	if !ok || n < 1 {
		return nil
	}
	var hsrc, vsrc []iwrf.Pulse
	switch mode {
	case ModeHOnly:
		hsrc = hq[:n]
	case ModeVOnly:
		vsrc = vq[:n]
	case ModeAlternating:
		hsrc, vsrc = hq[:n], vq[:n]
	}

	maxGates := 0
	for _, q := range [][]iwrf.Pulse{hsrc, vsrc} {
		for i := range q {
			if q[i].Gates > maxGates {
				maxGates = q[i].Gates
			}
		}
	}

	out := make([]Batch, 0, len(cells))
	for _, c := range cells {
		src := hsrc
		if c.src == fromV {
			src = vsrc
		}
		if len(src) == 0 {
			continue
		}
		gates := maxGates
		complete := true
		if c.kind == cellBurst {
			gates = 0
		}
		for i := range src {
			data, ok := cellData(&src[i], c.kind)
			if !ok {
				complete = false
				break
			}
			if c.kind == cellBurst && len(data) > gates {
				gates = len(data)
			}
		}
		if !complete {
			continue
		}

		iq := make([][]complex64, len(src))
		for i := range src {
			data, _ := cellData(&src[i], c.kind)
			buf := pool.Get(gates)
			copy(buf, data)
			iq[i] = buf
		}
		out = append(out, Batch{
			ChannelID:    c.out,
			Gates:        gates,
			SampleRateHz: src[0].SampleRateHz,
			Mode:         mode,
			IQ:           iq,
		})
	}
	return out
}
