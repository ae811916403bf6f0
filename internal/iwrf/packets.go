// Package iwrf implements the IWRF-style time-series wire format consumed by
// the reader: packet ids, the (id, length) registry used to detect loss of
// framing, and codecs for every packet kind the reader understands.
package iwrf

import (
	"encoding/binary"
	"fmt"
)

// =======================
// Packet header
// =======================
//
// Wire format (little-endian):
//
//	int32 id
//	int32 length   // total packet length, header included
const HeaderSize = 8

// MaxPacketLen bounds every packet on the wire. It also sizes the framer's
// read buffer, so a valid packet always fits in one peek.
const MaxPacketLen = 1 << 20

// Packet ids. Every IWRF id shares the 0x7777 prefix; ids with the prefix
// that are not listed here are well formed and skipped.
const (
	IDSync        int32 = 0x77770001
	IDRadarInfo   int32 = 0x77770002
	IDScanSegment int32 = 0x77770003
	IDProcessing  int32 = 0x77770005
	IDPulseHeader int32 = 0x7777000c
	IDBurstHeader int32 = 0x77770011

	idPrefixMask int32 = -0x10000 // 0xffff0000
	idPrefix     int32 = 0x77770000
)

// Fixed sizes of the packet kinds, header included.
const (
	SyncLen        = 16
	RadarInfoLen   = 88
	ScanSegmentLen = 32
	ProcessingLen  = 56
	PulseHeaderLen = 80
	BurstHeaderLen = 32
)

// Sync magic words.
const (
	SyncMagic1 uint32 = 0x2a2a2a2a
	SyncMagic2 uint32 = 0x7e7e7e7e
)

// IQ sample encodings carried by pulse and burst packets.
const (
	EncodingFloat32 int32 = 0
	EncodingInt16   int32 = 1
)

// Kind classifies a packet id.
type Kind int

const (
	KindUnknown Kind = iota
	KindSync
	KindRadarInfo
	KindScanSegment
	KindProcessing
	KindPulse
	KindBurst
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindRadarInfo:
		return "radar-info"
	case KindScanSegment:
		return "scan-segment"
	case KindProcessing:
		return "processing"
	case KindPulse:
		return "pulse"
	case KindBurst:
		return "burst"
	default:
		return "unknown"
	}
}

// Header is the fixed packet prefix.
type Header struct {
	ID     int32
	Length int32
}

// Packet is one framed packet. Payload holds the whole packet, header
// included, and is only valid until the next frame is read.
type Packet struct {
	ID      int32
	Length  int32
	Payload []byte
}

// Kind returns the registry classification of the packet id.
func (p Packet) Kind() Kind { return KindOf(p.ID) }

// ParseHeader decodes the 8-byte packet header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes (need %d)", len(b), HeaderSize)
	}
	return Header{
		ID:     int32(binary.LittleEndian.Uint32(b[0:4])),
		Length: int32(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

func putHeader(b []byte, id int32, length int) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(id))
	binary.LittleEndian.PutUint32(b[4:8], uint32(length))
}

// KindOf maps an id to its Kind.
func KindOf(id int32) Kind {
	switch id {
	case IDSync:
		return KindSync
	case IDRadarInfo:
		return KindRadarInfo
	case IDScanSegment:
		return KindScanSegment
	case IDProcessing:
		return KindProcessing
	case IDPulseHeader:
		return KindPulse
	case IDBurstHeader:
		return KindBurst
	default:
		return KindUnknown
	}
}

// lengthRule is one registry entry.
type lengthRule struct {
	min, max int32
}

var registry = map[int32]lengthRule{
	IDSync:        {SyncLen, SyncLen},
	IDRadarInfo:   {RadarInfoLen, RadarInfoLen},
	IDScanSegment: {ScanSegmentLen, ScanSegmentLen},
	IDProcessing:  {ProcessingLen, ProcessingLen},
	IDPulseHeader: {PulseHeaderLen, MaxPacketLen},
	IDBurstHeader: {BurstHeaderLen, MaxPacketLen},
}

// Validate checks a header against the registry. A non-nil error means the
// byte stream has lost packet alignment.
func Validate(h Header) error {
	if rule, ok := registry[h.ID]; ok {
		if h.Length < rule.min || h.Length > rule.max {
			return fmt.Errorf("packet 0x%08x (%s): length %d outside [%d, %d]",
				uint32(h.ID), KindOf(h.ID), h.Length, rule.min, rule.max)
		}
		return nil
	}
	if h.ID&idPrefixMask != idPrefix {
		return fmt.Errorf("packet id 0x%08x is not an IWRF id", uint32(h.ID))
	}
	if h.Length < HeaderSize || h.Length > MaxPacketLen {
		return fmt.Errorf("packet 0x%08x: length %d outside [%d, %d]",
			uint32(h.ID), h.Length, HeaderSize, MaxPacketLen)
	}
	return nil
}
