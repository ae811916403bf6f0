package tsreader

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/testutil"
)

// sample encodes where a value came from: real part is the pulse sequence
// number, imaginary part is channel*1000 + gate.
func sample(seq int64, ch, gate int) complex64 {
	return complex(float32(seq), float32(ch*1000+gate))
}

func channelData(seq int64, ch, gates int) []complex64 {
	out := make([]complex64, gates)
	for g := range out {
		out[g] = sample(seq, ch, g)
	}
	return out
}

// makePulse builds a decoded pulse without going through the wire.
func makePulse(seq int64, horizontal bool, gates, channels int) iwrf.Pulse {
	p := iwrf.Pulse{
		Header:       iwrf.PulseHeader{SeqNum: seq},
		Horizontal:   horizontal,
		Gates:        gates,
		SampleRateHz: 1000,
	}
	for ch := 0; ch < channels; ch++ {
		p.IQ = append(p.IQ, channelData(seq, ch, gates))
	}
	return p
}

// pulsePacket encodes a pulse packet with the same sample layout.
func pulsePacket(t *testing.T, seq int64, horizontal bool, gates, channels int) []byte {
	t.Helper()
	hv := int32(0)
	if horizontal {
		hv = 1
	}
	chans := make([][]complex64, channels)
	for ch := range chans {
		chans[ch] = channelData(seq, ch, gates)
	}
	b, err := iwrf.EncodePulse(iwrf.PulseHeader{SeqNum: seq, HVFlag: hv}, chans)
	require.NoError(t, err)
	return b
}

// harness wires a Reader to scripted connections and a collecting sink.
type harness struct {
	r       *Reader
	conns   []*testutil.ScriptConn
	dials   int
	clock   *testutil.ManualClock
	rec     *logging.Recorder
	batches []Batch
}

func newHarness(t *testing.T, cfg Config, streams ...[]byte) *harness {
	t.Helper()
	h := &harness{clock: testutil.NewManualClock(), rec: logging.NewRecorder()}
	for _, s := range streams {
		h.conns = append(h.conns, testutil.NewScriptConn(s))
	}
	cfg.Endpoint = "radar:10000"
	cfg.TimeNow = h.clock.Now
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			i := h.dials
			h.dials++
			if i < len(h.conns) {
				return h.conns[i], nil
			}
			return nil, errors.New("connection refused")
		},
	}
	r, err := New(cfg, SinkFunc(func(b Batch) error {
		h.batches = append(h.batches, b)
		return nil
	}), h.rec)
	require.NoError(t, err)
	h.r = r
	return h
}

func (h *harness) poll() int { return h.r.Poll(context.Background()) }

func (h *harness) byChannel() map[int]Batch {
	out := make(map[int]Batch, len(h.batches))
	for _, b := range h.batches {
		out[b.ChannelID] = b
	}
	return out
}

// staticDialer hands out conn on every dial.
func staticDialer(conn net.Conn) *netstub.FuncDialer {
	return &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return conn, nil
		},
	}
}
