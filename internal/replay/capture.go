// Package replay feeds a recorded IWRF TCP stream back to the reader.
//
// Captures are classic pcap files. Only TCP segments sent from the server
// port are kept; their payloads, in capture order and with retransmissions
// removed, reproduce the byte stream the client originally received.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrEmptyCapture is returned when a capture holds no payload for the port.
var ErrEmptyCapture = errors.New("replay: no tcp payload for server port")

// Segment is one TCP payload and its capture timestamp.
type Segment struct {
	Time time.Time
	Data []byte
}

// Capture is the server-to-client byte stream of one recording.
type Capture struct {
	Port     uint16
	Segments []Segment
	Frames   int // pcap records read
	Retrans  int // segments dropped as retransmissions
}

// Open loads a pcap file and keeps the stream sent from port.
func Open(path string, port uint16) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f, port)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Load reads a pcap stream and keeps the stream sent from port.
func Load(r io.Reader, port uint16) (*Capture, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}

	c := &Capture{Port: port}
	// next expected sequence number per source address
	next := make(map[gopacket.Endpoint]uint32)
	src := gopacket.NewPacketSource(pr, pr.LinkType())
	for {
		packet, err := src.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pcap record %d: %w", c.Frames+1, err)
		}
		c.Frames++

		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || uint16(tcp.SrcPort) != port || len(tcp.Payload) == 0 {
			continue
		}
		var from gopacket.Endpoint
		if nl := packet.NetworkLayer(); nl != nil {
			from = nl.NetworkFlow().Src()
		}

		payload := tcp.Payload
		if want, seen := next[from]; seen {
			// drop bytes already delivered
			behind := int32(want - tcp.Seq)
			if int(behind) >= len(payload) {
				c.Retrans++
				continue
			}
			if behind > 0 {
				payload = payload[behind:]
			}
		}
		next[from] = tcp.Seq + uint32(len(tcp.Payload))

		c.Segments = append(c.Segments, Segment{
			Time: packet.Metadata().Timestamp,
			Data: append([]byte(nil), payload...),
		})
	}
	if len(c.Segments) == 0 {
		return nil, ErrEmptyCapture
	}
	return c, nil
}

// Bytes returns the whole stream.
func (c *Capture) Bytes() []byte {
	var n int
	for _, s := range c.Segments {
		n += len(s.Data)
	}
	out := make([]byte, 0, n)
	for _, s := range c.Segments {
		out = append(out, s.Data...)
	}
	return out
}

// Duration is the time between the first and last segment.
func (c *Capture) Duration() time.Duration {
	if len(c.Segments) < 2 {
		return 0
	}
	return c.Segments[len(c.Segments)-1].Time.Sub(c.Segments[0].Time)
}
