// Package sim generates a synthetic IWRF time-series stream: a point
// target with a fixed Doppler shift in Gaussian noise, served over TCP the
// way a radar's time-series server would.
package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/GoAScope/internal/iwrf"
)

// Profile describes the simulated radar and target.
type Profile struct {
	RadarName string
	SiteName  string
	RadarID   int32

	Gates        int
	Channels     int // raw channels per pulse, 1 or 2
	PrtSec       float32
	GateSpacingM float32
	ScanRateDegS float32

	// Target echo centred at TargetRangeM, TargetWidthM wide.
	TargetRangeM float64
	TargetWidthM float64
	DopplerHz    float64
	Amplitude    float64
	NoiseStd     float64

	// Alternating switches H and V every pulse; otherwise every pulse is H.
	Alternating bool
	// BurstSamples > 0 sends a burst packet before every pulse.
	BurstSamples int
	// Int16 selects scaled int16 IQ encoding.
	Int16 bool
}

// DefaultProfile is a 1 kHz alternating dual-channel radar with a target
// at 15 km.
func DefaultProfile() Profile {
	return Profile{
		RadarName:    "TSSIM",
		SiteName:     "bench",
		RadarID:      1,
		Gates:        400,
		Channels:     2,
		PrtSec:       0.001,
		GateSpacingM: 75,
		ScanRateDegS: 12,
		TargetRangeM: 15_000,
		TargetWidthM: 600,
		DopplerHz:    125,
		Amplitude:    1,
		NoiseStd:     0.01,
		Alternating:  true,
	}
}

func (p Profile) validate() error {
	switch {
	case p.Gates <= 0:
		return fmt.Errorf("sim: gates must be positive, got %d", p.Gates)
	case p.Channels < 1 || p.Channels > iwrf.MaxRawChannels:
		return fmt.Errorf("sim: channels must be 1..%d, got %d", iwrf.MaxRawChannels, p.Channels)
	case p.PrtSec <= 0:
		return fmt.Errorf("sim: prt must be positive, got %g", p.PrtSec)
	}
	return nil
}

// Generator produces the packets of one stream. It is not safe for
// concurrent use.
type Generator struct {
	p     Profile
	rng   *rand.Rand
	start time.Time
	seq   int64
	gain  []float64 // echo amplitude per gate
	enc   int32
	scale float32
}

// NewGenerator builds a generator. The same seed yields the same stream.
func NewGenerator(p Profile, seed uint64, start time.Time) (*Generator, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		p:     p,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start: start,
		gain:  rangeProfile(p),
		enc:   iwrf.EncodingFloat32,
	}
	if p.Int16 {
		g.enc = iwrf.EncodingInt16
		// full scale at twice the peak echo plus noise headroom
		g.scale = float32(2*(p.Amplitude+4*p.NoiseStd)) / math.MaxInt16
	}
	return g, nil
}

// rangeProfile returns the echo amplitude at every gate centre.
func rangeProfile(p Profile) []float64 {
	r := make([]float64, p.Gates)
	spacing := float64(p.GateSpacingM)
	if spacing <= 0 {
		spacing = 1
	}
	if p.Gates == 1 {
		r[0] = spacing / 2
	} else {
		floats.Span(r, spacing/2, spacing/2+spacing*float64(p.Gates-1))
	}
	floats.AddConst(-p.TargetRangeM, r)
	width := p.TargetWidthM
	if width <= 0 {
		width = spacing
	}
	floats.Scale(1/width, r)
	for i, x := range r {
		r[i] = math.Exp(-x * x)
	}
	floats.Scale(p.Amplitude, r)
	return r
}

// Seq returns the sequence number of the last generated pulse.
func (g *Generator) Seq() int64 { return g.seq }

// Metadata returns the packets that open a stream: sync, radar info, scan
// segment and processing.
func (g *Generator) Metadata() [][]byte {
	p := g.p
	mode := iwrf.XmitRcvHOnlyFixedHV
	if p.Alternating {
		mode = iwrf.XmitRcvAltHVCoCross
	}
	return [][]byte{
		iwrf.EncodeSync(),
		iwrf.EncodeRadarInfo(iwrf.RadarInfo{
			LatitudeDeg:   52.0,
			LongitudeDeg:  4.4,
			AltitudeM:     10,
			BeamWidthHDeg: 1,
			BeamWidthVDeg: 1,
			WavelengthCm:  10.7,
			RadarName:     p.RadarName,
			SiteName:      p.SiteName,
		}),
		iwrf.EncodeScanSegment(iwrf.ScanSegment{
			ScanMode:      1,
			FixedAngleDeg: 0.5,
			ScanRateDegS:  p.ScanRateDegS,
			NSweeps:       1,
		}),
		iwrf.EncodeProcessing(iwrf.Processing{
			XmitRcvMode:  mode,
			PrtSec:       p.PrtSec,
			PulseWidthUs: 1,
			StartRangeM:  p.GateSpacingM / 2,
			GateSpacingM: p.GateSpacingM,
			NGates:       int32(p.Gates),
		}),
	}
}

// Next returns the packets of the next pulse: an optional burst followed
// by the pulse itself.
func (g *Generator) Next() ([][]byte, error) {
	g.seq++
	seq := g.seq
	p := g.p
	horizontal := !p.Alternating || seq%2 == 1

	t := float64(seq) * float64(p.PrtSec)
	ts := g.start.Add(time.Duration(t * float64(time.Second)))
	phase := 2 * math.Pi * p.DopplerHz * t

	channels := make([][]complex64, p.Channels)
	for ch := range channels {
		// the second receiver sees the target 6 dB down
		gain := 1 / float64(int(1)<<ch)
		channels[ch] = g.echo(phase, gain)
	}

	hv := int32(0)
	if horizontal {
		hv = 1
	}
	h := iwrf.PulseHeader{
		SeqNum:       seq,
		TimeSecs:     ts.Unix(),
		NanoSecs:     int32(ts.Nanosecond()),
		RadarID:      p.RadarID,
		ElevationDeg: 0.5,
		AzimuthDeg:   float32(math.Mod(float64(p.ScanRateDegS)*t, 360)),
		Encoding:     g.enc,
		HVFlag:       hv,
		Scale:        g.scale,
	}

	var out [][]byte
	if p.BurstSamples > 0 {
		burst := make([]complex64, p.BurstSamples)
		for i := range burst {
			// a short ramp so consecutive bursts are distinguishable
			burst[i] = complex(float32(math.Cos(phase)), float32(i)/float32(p.BurstSamples))
		}
		b, err := iwrf.EncodeBurst(iwrf.Burst{PulseSeqNum: seq, Encoding: g.enc, Scale: g.scale, IQ: burst})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	pkt, err := iwrf.EncodePulse(h, channels)
	if err != nil {
		return nil, err
	}
	return append(out, pkt), nil
}

func (g *Generator) echo(phase, gain float64) []complex64 {
	sin, cos := math.Sincos(phase)
	out := make([]complex64, len(g.gain))
	for i, a := range g.gain {
		a *= gain
		re := a*cos + g.rng.NormFloat64()*g.p.NoiseStd
		im := a*sin + g.rng.NormFloat64()*g.p.NoiseStd
		out[i] = complex(float32(re), float32(im))
	}
	return out
}
