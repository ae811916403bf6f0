package iwrf

import (
	"encoding/binary"
	"fmt"
	"math"
)

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func putI32(b []byte, off int, v int32) { putU32(b, off, uint32(v)) }
func putI64(b []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(v))
}
func putF32(b []byte, off int, v float32) { putU32(b, off, math.Float32bits(v)) }

// EncodeSync builds a sync packet.
func EncodeSync() []byte {
	b := make([]byte, SyncLen)
	putHeader(b, IDSync, SyncLen)
	putU32(b, 8, SyncMagic1)
	putU32(b, 12, SyncMagic2)
	return b
}

// EncodeRadarInfo builds a radar-info packet. Names are truncated to their
// fixed field widths.
func EncodeRadarInfo(ri RadarInfo) []byte {
	b := make([]byte, RadarInfoLen)
	putHeader(b, IDRadarInfo, RadarInfoLen)
	putF32(b, 8, ri.LatitudeDeg)
	putF32(b, 12, ri.LongitudeDeg)
	putF32(b, 16, ri.AltitudeM)
	putF32(b, 20, ri.BeamWidthHDeg)
	putF32(b, 24, ri.BeamWidthVDeg)
	putF32(b, 28, ri.WavelengthCm)
	copy(b[32:63], ri.RadarName)
	copy(b[64:87], ri.SiteName)
	return b
}

// EncodeScanSegment builds a scan-segment packet.
func EncodeScanSegment(ss ScanSegment) []byte {
	b := make([]byte, ScanSegmentLen)
	putHeader(b, IDScanSegment, ScanSegmentLen)
	putI32(b, 8, ss.ScanMode)
	putI32(b, 12, ss.VolumeNum)
	putI32(b, 16, ss.SweepNum)
	putF32(b, 20, ss.FixedAngleDeg)
	putF32(b, 24, ss.ScanRateDegS)
	putI32(b, 28, ss.NSweeps)
	return b
}

// EncodeProcessing builds a processing-parameters packet.
func EncodeProcessing(p Processing) []byte {
	b := make([]byte, ProcessingLen)
	putHeader(b, IDProcessing, ProcessingLen)
	putI32(b, 8, p.XmitRcvMode)
	putI32(b, 12, p.XmitPhaseMode)
	putI32(b, 16, p.PrfMode)
	putI32(b, 20, p.PulseType)
	putF32(b, 24, p.PrtSec)
	putF32(b, 28, p.Prt2Sec)
	putF32(b, 32, p.PulseWidthUs)
	putF32(b, 36, p.StartRangeM)
	putF32(b, 40, p.GateSpacingM)
	putI32(b, 44, p.NGates)
	putF32(b, 48, p.BurstRangeOffsetM)
	putI32(b, 52, p.PolMode)
	return b
}

// EncodePulse builds a pulse packet. NGates, NChannels and NData are derived
// from channels, which must all have the same length.
func EncodePulse(h PulseHeader, channels [][]complex64) ([]byte, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("EncodePulse: at least one channel is required")
	}
	gates := len(channels[0])
	for i, ch := range channels {
		if len(ch) != gates {
			return nil, fmt.Errorf("EncodePulse: channel %d has %d gates, want %d", i, len(ch), gates)
		}
	}
	size, err := SampleSize(h.Encoding)
	if err != nil {
		return nil, err
	}
	h.NGates = int32(gates)
	h.NChannels = int32(len(channels))
	h.NData = int32(gates * 2 * len(channels))

	total := PulseHeaderLen + int(h.NData)*size
	if total > MaxPacketLen {
		return nil, fmt.Errorf("EncodePulse: packet length %d exceeds %d", total, MaxPacketLen)
	}
	b := make([]byte, PulseHeaderLen, total)
	putHeader(b, IDPulseHeader, total)
	putI64(b, 8, h.SeqNum)
	putI64(b, 16, h.TimeSecs)
	putI32(b, 24, h.NanoSecs)
	putI32(b, 28, h.RadarID)
	putF32(b, 32, h.ElevationDeg)
	putF32(b, 36, h.AzimuthDeg)
	putI32(b, 40, h.NGates)
	putI32(b, 44, h.NChannels)
	putI32(b, 48, h.Encoding)
	putI32(b, 52, h.HVFlag)
	putI32(b, 56, h.AntennaTransition)
	putI32(b, 60, h.NData)
	putF32(b, 64, h.Scale)
	putF32(b, 68, h.Offset)

	for _, ch := range channels {
		data, err := EncodeIQ(ch, h.Encoding, h.Scale, h.Offset)
		if err != nil {
			return nil, err
		}
		b = append(b, data...)
	}
	return b, nil
}

// EncodeBurst builds a burst packet from bu.IQ.
func EncodeBurst(bu Burst) ([]byte, error) {
	size, err := SampleSize(bu.Encoding)
	if err != nil {
		return nil, err
	}
	total := BurstHeaderLen + len(bu.IQ)*2*size
	if total > MaxPacketLen {
		return nil, fmt.Errorf("EncodeBurst: packet length %d exceeds %d", total, MaxPacketLen)
	}
	b := make([]byte, BurstHeaderLen, total)
	putHeader(b, IDBurstHeader, total)
	putI64(b, 8, bu.PulseSeqNum)
	putI32(b, 16, int32(len(bu.IQ)))
	putI32(b, 20, bu.ChannelID)
	putI32(b, 24, bu.Encoding)
	putF32(b, 28, bu.Scale)

	data, err := EncodeIQ(bu.IQ, bu.Encoding, bu.Scale, 0)
	if err != nil {
		return nil, err
	}
	return append(b, data...), nil
}

// EncodeRaw builds a packet with an arbitrary id and body. Used for ids the
// reader skips and for exercising the registry.
func EncodeRaw(id int32, body []byte) []byte {
	b := make([]byte, HeaderSize+len(body))
	putHeader(b, id, len(b))
	copy(b[HeaderSize:], body)
	return b
}
