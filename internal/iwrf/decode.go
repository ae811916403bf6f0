package iwrf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxRawChannels is the number of raw IQ channels a pulse may carry.
const MaxRawChannels = 2

// PulseHeader is the fixed part of a pulse packet.
//
// Layout after the packet header (little-endian):
//
//	@8  int64   seq_num
//	@16 int64   time_secs
//	@24 int32   nano_secs
//	@28 int32   radar_id
//	@32 float32 elevation_deg
//	@36 float32 azimuth_deg
//	@40 int32   n_gates
//	@44 int32   n_channels
//	@48 int32   iq_encoding
//	@52 int32   hv_flag        (1 = H, 0 = V)
//	@56 int32   antenna_transition
//	@60 int32   n_data         (scalar values that follow)
//	@64 float32 scale
//	@68 float32 offset
//	@72 8 bytes reserved
//
// Data: n_channels blocks of n_gates I/Q pairs, channel-major.
type PulseHeader struct {
	SeqNum            int64
	TimeSecs          int64
	NanoSecs          int32
	RadarID           int32
	ElevationDeg      float32
	AzimuthDeg        float32
	NGates            int32
	NChannels         int32
	Encoding          int32
	HVFlag            int32
	AntennaTransition int32
	NData             int32
	Scale             float32
	Offset            float32
}

// Burst is a transmit reference sample.
//
// Layout after the packet header:
//
//	@8  int64   pulse_seq_num
//	@16 int32   n_samples
//	@20 int32   channel_id
//	@24 int32   iq_encoding
//	@28 float32 scale
type Burst struct {
	PulseSeqNum int64
	NSamples    int32
	ChannelID   int32
	Encoding    int32
	Scale       float32
	IQ          []complex64
}

// Pulse is one decoded pulse.
type Pulse struct {
	Header       PulseHeader
	Horizontal   bool
	Gates        int
	IQ           [][]complex64 // one entry per raw channel
	Burst        []complex64   // nil when no burst was attached
	SampleRateHz float64
	Info         OperatingInfo // snapshot at decode time
}

// Channels returns the number of raw IQ channels.
func (p *Pulse) Channels() int { return len(p.IQ) }

// MalformedPulseError reports a pulse packet that framed correctly but whose
// content is unusable. It never indicates loss of stream alignment.
type MalformedPulseError struct {
	SeqNum int64
	Reason string
}

func (e *MalformedPulseError) Error() string {
	return fmt.Sprintf("malformed pulse %d: %s", e.SeqNum, e.Reason)
}

// ErrShortPacket is returned when a payload is shorter than its kind requires.
var ErrShortPacket = errors.New("packet shorter than its fixed layout")

func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }
func i32(b []byte, off int) int32 { return int32(u32(b, off)) }
func i64(b []byte, off int) int64 { return int64(binary.LittleEndian.Uint64(b[off : off+8])) }
func f32(b []byte, off int) float32 {
	return math.Float32frombits(u32(b, off))
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// DecodeSync checks the sync magic words.
func DecodeSync(b []byte) error {
	if len(b) < SyncLen {
		return ErrShortPacket
	}
	if u32(b, 8) != SyncMagic1 || u32(b, 12) != SyncMagic2 {
		return fmt.Errorf("sync magic mismatch: %08x %08x", u32(b, 8), u32(b, 12))
	}
	return nil
}

// DecodeRadarInfo decodes a radar-info packet.
func DecodeRadarInfo(b []byte) (RadarInfo, error) {
	if len(b) < RadarInfoLen {
		return RadarInfo{}, ErrShortPacket
	}
	return RadarInfo{
		LatitudeDeg:   f32(b, 8),
		LongitudeDeg:  f32(b, 12),
		AltitudeM:     f32(b, 16),
		BeamWidthHDeg: f32(b, 20),
		BeamWidthVDeg: f32(b, 24),
		WavelengthCm:  f32(b, 28),
		RadarName:     cstring(b[32:64]),
		SiteName:      cstring(b[64:88]),
	}, nil
}

// DecodeScanSegment decodes a scan-segment packet.
func DecodeScanSegment(b []byte) (ScanSegment, error) {
	if len(b) < ScanSegmentLen {
		return ScanSegment{}, ErrShortPacket
	}
	return ScanSegment{
		ScanMode:      i32(b, 8),
		VolumeNum:     i32(b, 12),
		SweepNum:      i32(b, 16),
		FixedAngleDeg: f32(b, 20),
		ScanRateDegS:  f32(b, 24),
		NSweeps:       i32(b, 28),
	}, nil
}

// DecodeProcessing decodes a processing-parameters packet.
func DecodeProcessing(b []byte) (Processing, error) {
	if len(b) < ProcessingLen {
		return Processing{}, ErrShortPacket
	}
	return Processing{
		XmitRcvMode:       i32(b, 8),
		XmitPhaseMode:     i32(b, 12),
		PrfMode:           i32(b, 16),
		PulseType:         i32(b, 20),
		PrtSec:            f32(b, 24),
		Prt2Sec:           f32(b, 28),
		PulseWidthUs:      f32(b, 32),
		StartRangeM:       f32(b, 36),
		GateSpacingM:      f32(b, 40),
		NGates:            i32(b, 44),
		BurstRangeOffsetM: f32(b, 48),
		PolMode:           i32(b, 52),
	}, nil
}

// DecodePulseHeader decodes the fixed part of a pulse packet.
func DecodePulseHeader(b []byte) (PulseHeader, error) {
	if len(b) < PulseHeaderLen {
		return PulseHeader{}, ErrShortPacket
	}
	return PulseHeader{
		SeqNum:            i64(b, 8),
		TimeSecs:          i64(b, 16),
		NanoSecs:          i32(b, 24),
		RadarID:           i32(b, 28),
		ElevationDeg:      f32(b, 32),
		AzimuthDeg:        f32(b, 36),
		NGates:            i32(b, 40),
		NChannels:         i32(b, 44),
		Encoding:          i32(b, 48),
		HVFlag:            i32(b, 52),
		AntennaTransition: i32(b, 56),
		NData:             i32(b, 60),
		Scale:             f32(b, 64),
		Offset:            f32(b, 68),
	}, nil
}

// DecodePulse decodes a pulse packet using the operating info snapshot for
// the derived sample rate. Channels beyond MaxRawChannels are ignored.
func DecodePulse(b []byte, info OperatingInfo) (Pulse, error) {
	h, err := DecodePulseHeader(b)
	if err != nil {
		return Pulse{}, err
	}
	bad := func(format string, args ...any) (Pulse, error) {
		return Pulse{}, &MalformedPulseError{SeqNum: h.SeqNum, Reason: fmt.Sprintf(format, args...)}
	}

	if h.NGates <= 0 || h.NChannels <= 0 || h.NData <= 0 {
		return bad("no primary channel data (gates=%d channels=%d n_data=%d)", h.NGates, h.NChannels, h.NData)
	}
	size, err := SampleSize(h.Encoding)
	if err != nil {
		return bad("%v", err)
	}
	perChannel := int(h.NGates) * 2
	if int(h.NData) < perChannel*int(h.NChannels) {
		return bad("n_data %d smaller than %d channels x %d gates", h.NData, h.NChannels, h.NGates)
	}
	data := b[PulseHeaderLen:]
	if len(data) < int(h.NData)*size {
		return bad("declared %d values but packet holds %d bytes", h.NData, len(data))
	}

	nch := int(h.NChannels)
	if nch > MaxRawChannels {
		nch = MaxRawChannels
	}
	p := Pulse{
		Header:       h,
		Horizontal:   h.HVFlag == 1,
		Gates:        int(h.NGates),
		IQ:           make([][]complex64, nch),
		SampleRateHz: info.SampleRateHz(),
		Info:         info,
	}
	for ch := 0; ch < nch; ch++ {
		off := ch * perChannel * size
		iq, err := DecodeIQ(data[off:], int(h.NGates), h.Encoding, h.Scale, h.Offset)
		if err != nil {
			return bad("channel %d: %v", ch, err)
		}
		p.IQ[ch] = iq
	}
	return p, nil
}

// DecodeBurst decodes a burst packet.
func DecodeBurst(b []byte) (Burst, error) {
	if len(b) < BurstHeaderLen {
		return Burst{}, ErrShortPacket
	}
	bu := Burst{
		PulseSeqNum: i64(b, 8),
		NSamples:    i32(b, 16),
		ChannelID:   i32(b, 20),
		Encoding:    i32(b, 24),
		Scale:       f32(b, 28),
	}
	if bu.NSamples < 0 {
		return Burst{}, fmt.Errorf("burst %d: negative sample count", bu.PulseSeqNum)
	}
	iq, err := DecodeIQ(b[BurstHeaderLen:], int(bu.NSamples), bu.Encoding, bu.Scale, 0)
	if err != nil {
		return Burst{}, fmt.Errorf("burst %d: %w", bu.PulseSeqNum, err)
	}
	bu.IQ = iq
	return bu, nil
}
