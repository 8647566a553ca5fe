package rtph264

import (
	"time"

	"github.com/pion/rtp"
)

const (
	rtpVersion            = 2
	defaultPayloadMaxSize = 1460
)

// Encoder is a RTP/H264 encoder that packetizes access units
// into single NALU and FU-A packets.
type Encoder struct {
	PayloadType    uint8
	SSRC           uint32
	PayloadMaxSize int

	sequenceNumber uint16
}

// Encode encodes the NALUs of an access unit into RTP packets,
// the last packet carries the marker bit.
func (e *Encoder) Encode(nalus [][]byte, pts time.Duration) []*rtp.Packet {
	maxSize := e.PayloadMaxSize
	if maxSize == 0 {
		maxSize = defaultPayloadMaxSize
	}
	ts := uint32(pts * ClockRate / time.Second)

	var packets []*rtp.Packet
	for _, nalu := range nalus {
		if len(nalu) <= maxSize {
			packets = append(packets, e.packet(ts, nalu))
			continue
		}
		packets = append(packets, e.encodeFragmented(ts, nalu, maxSize)...)
	}

	if len(packets) != 0 {
		packets[len(packets)-1].Marker = true
	}
	return packets
}

func (e *Encoder) encodeFragmented(ts uint32, nalu []byte, maxSize int) []*rtp.Packet {
	indicator := (nalu[0] & 0xE0) | naluTypeFUA
	typ := nalu[0] & 0x1F
	data := nalu[1:]
	chunkSize := maxSize - 2

	var packets []*rtp.Packet
	for first := true; len(data) > 0; first = false {
		n := chunkSize
		if len(data) < n {
			n = len(data)
		}

		header := typ
		if first {
			header |= 0x80
		}
		if n == len(data) {
			header |= 0x40
		}

		payload := append([]byte{indicator, header}, data[:n]...)
		packets = append(packets, e.packet(ts, payload))
		data = data[n:]
	}
	return packets
}

func (e *Encoder) packet(ts uint32, payload []byte) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    e.PayloadType,
			SequenceNumber: e.sequenceNumber,
			Timestamp:      ts,
			SSRC:           e.SSRC,
		},
		Payload: payload,
	}
	e.sequenceNumber++
	return pkt
}
