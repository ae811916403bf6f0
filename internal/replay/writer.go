package replay

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// segmentSize is the largest TCP payload written per pcap record.
const segmentSize = 1460

// Writer records a server-to-client byte stream as a pcap file of
// synthetic Ethernet/IPv4/TCP frames. It implements io.Writer so it can be
// teed next to a live connection.
type Writer struct {
	// TimeNow stamps records; defaults to time.Now.
	TimeNow func() time.Time

	mu      sync.Mutex
	pw      *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.TCPPort
	dstPort layers.TCPPort
	seq     uint32
	records int
}

// NewWriter writes the pcap file header to w. Frames appear to come from
// 127.0.0.1:port.
func NewWriter(w io.Writer, port uint16) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Writer{
		TimeNow: time.Now,
		pw:      pw,
		src:     net.IPv4(127, 0, 0, 1).To4(),
		dst:     net.IPv4(127, 0, 0, 1).To4(),
		srcPort: layers.TCPPort(port),
		dstPort: 49152,
		seq:     1,
	}, nil
}

// Records returns the number of pcap records written.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Write records p as one or more TCP segments stamped with TimeNow.
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteAt(w.TimeNow(), p)
}

// WriteAt records p as one or more TCP segments stamped with ts.
func (w *Writer) WriteAt(ts time.Time, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > segmentSize {
			chunk = chunk[:segmentSize]
		}
		if err := w.writeSegment(ts, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// WriteSegmentAt records p as a single segment with an explicit sequence
// number, so tests can model retransmissions.
func (w *Writer) WriteSegmentAt(ts time.Time, seq uint32, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	saved := w.seq
	w.seq = seq
	err := w.writeSegment(ts, p)
	if next := seq + uint32(len(p)); int32(next-saved) > 0 {
		saved = next
	}
	w.seq = saved
	return err
}

func (w *Writer) writeSegment(ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    w.src,
		DstIP:    w.dst,
	}
	tcp := &layers.TCP{
		SrcPort: w.srcPort,
		DstPort: w.dstPort,
		Seq:     w.seq,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize segment: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := w.pw.WritePacket(ci, data); err != nil {
		return err
	}
	w.seq += uint32(len(payload))
	w.records++
	return nil
}
