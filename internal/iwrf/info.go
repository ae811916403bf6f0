package iwrf

// Transmit/receive modes reported in Processing.XmitRcvMode.
const (
	XmitRcvSinglePol     int32 = 0
	XmitRcvAltHVCoOnly   int32 = 1
	XmitRcvAltHVCoCross  int32 = 2
	XmitRcvAltHVFixedHV  int32 = 3
	XmitRcvSimHVFixedHV  int32 = 4
	XmitRcvSimHVSwitched int32 = 5
	XmitRcvHOnlyFixedHV  int32 = 6
	XmitRcvVOnlyFixedHV  int32 = 7
)

// RadarInfo describes the radar site.
type RadarInfo struct {
	LatitudeDeg   float32
	LongitudeDeg  float32
	AltitudeM     float32
	BeamWidthHDeg float32
	BeamWidthVDeg float32
	WavelengthCm  float32
	RadarName     string
	SiteName      string
}

// ScanSegment describes the current antenna scan.
type ScanSegment struct {
	ScanMode      int32
	VolumeNum     int32
	SweepNum      int32
	FixedAngleDeg float32
	ScanRateDegS  float32
	NSweeps       int32
}

// Processing carries the transmitter and sampling configuration.
type Processing struct {
	XmitRcvMode       int32
	XmitPhaseMode     int32
	PrfMode           int32
	PulseType         int32
	PrtSec            float32
	Prt2Sec           float32
	PulseWidthUs      float32
	StartRangeM       float32
	GateSpacingM      float32
	NGates            int32
	BurstRangeOffsetM float32
	PolMode           int32
}

// Simultaneous reports whether H and V are transmitted together.
func (p Processing) Simultaneous() bool {
	return p.XmitRcvMode == XmitRcvSimHVFixedHV || p.XmitRcvMode == XmitRcvSimHVSwitched
}

// OperatingInfo is the latest-wins cache of metadata packets. Each metadata
// packet replaces its whole record, so a reader never observes a mixture of
// two packets of the same kind.
type OperatingInfo struct {
	RadarInfo      RadarInfo
	ScanSegment    ScanSegment
	Processing     Processing
	HasRadarInfo   bool
	HasScanSegment bool
	HasProcessing  bool
}

// SampleRateHz returns 1/PRT, or 0 while no processing packet has been seen.
func (o OperatingInfo) SampleRateHz() float64 {
	if !o.HasProcessing || o.Processing.PrtSec <= 0 {
		return 0
	}
	return 1 / float64(o.Processing.PrtSec)
}

// Apply updates the cache from a metadata packet. It returns false for
// packets that are not metadata, leaving the cache untouched.
func (o *OperatingInfo) Apply(pkt Packet) (bool, error) {
	switch pkt.Kind() {
	case KindRadarInfo:
		ri, err := DecodeRadarInfo(pkt.Payload)
		if err != nil {
			return true, err
		}
		o.RadarInfo, o.HasRadarInfo = ri, true
	case KindScanSegment:
		ss, err := DecodeScanSegment(pkt.Payload)
		if err != nil {
			return true, err
		}
		o.ScanSegment, o.HasScanSegment = ss, true
	case KindProcessing:
		pr, err := DecodeProcessing(pkt.Payload)
		if err != nil {
			return true, err
		}
		o.Processing, o.HasProcessing = pr, true
	default:
		return false, nil
	}
	return true, nil
}

// Reset forgets all cached metadata. Used after a reconnect so stale values
// from the previous session are not applied to new pulses.
func (o *OperatingInfo) Reset() {
	*o = OperatingInfo{}
}
