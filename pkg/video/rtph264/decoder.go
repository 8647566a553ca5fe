// Package rtph264 decodes and encodes H264 over RTP, RFC 6184.
package rtph264

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"sensormux/pkg/video/h264"

	"github.com/pion/rtp"
)

// ClockRate of H264 RTP streams.
const ClockRate = 90000

const (
	naluTypeSTAPA  = 24
	naluTypeSTAPB  = 25
	naluTypeMTAP16 = 26
	naluTypeMTAP24 = 27
	naluTypeFUA    = 28
	naluTypeFUB    = 29
)

// Errors.
var (
	ErrMorePacketsNeeded    = errors.New("need more packets")
	ErrShortPayload         = errors.New("payload is too short")
	ErrSTAPinvalid          = errors.New("invalid STAP-A packet (invalid size)")
	ErrSTAPnaluMissing      = errors.New("STAP-A packet doesn't contain any NALU")
	ErrFUinvalidSize        = errors.New("invalid FU-A packet (invalid size)")
	ErrFUinvalidNonStarting = errors.New("invalid FU-A packet (non-starting)")
	ErrFUinvalidStarting    = errors.New("invalid FU-A packet (decoded two starting packets in a row)")
	ErrTypeUnsupported      = errors.New("packet type not supported")
	ErrWrongType            = errors.New("expected FU-A packet, got another type")
	ErrNALUTooBig           = errors.New("NALU is too big")

	// ErrNonStartingPacketAndNoPrevious is returned when we decoded a non-starting
	// packet of a fragmented NALU and we didn't received anything before.
	// It's normal to receive this when we are decoding a stream that has been already
	// running for some time.
	ErrNonStartingPacketAndNoPrevious = errors.New(
		"decoded a non-starting fragmented packet without any previous starting packet")
)

// Decoder is a RTP/H264 decoder.
type Decoder struct {
	timeDecoder            *timeDecoder
	startingPacketReceived bool
	isDecodingFragmented   bool
	fragmentedBuffer       []byte

	// for DecodeUntilMarker()
	naluBuffer [][]byte
}

// NewDecoder allocates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		timeDecoder: newTimeDecoder(ClockRate),
	}
}

// Decode decodes NALUs from a RTP/H264 packet.
func (d *Decoder) Decode(pkt *rtp.Packet) ([][]byte, time.Duration, error) {
	if d.isDecodingFragmented {
		return d.decodeFragmented(pkt)
	}
	return d.decodeUnfragmented(pkt)
}

func (d *Decoder) decodeFragmented(pkt *rtp.Packet) ([][]byte, time.Duration, error) {
	if len(pkt.Payload) < 2 {
		d.isDecodingFragmented = false
		return nil, 0, ErrFUinvalidSize
	}

	if pkt.Payload[0]&0x1F != naluTypeFUA {
		d.isDecodingFragmented = false
		return nil, 0, ErrWrongType
	}

	start := pkt.Payload[1] >> 7
	end := (pkt.Payload[1] >> 6) & 0x01

	if start == 1 {
		d.isDecodingFragmented = false
		return nil, 0, ErrFUinvalidStarting
	}

	if len(d.fragmentedBuffer)+len(pkt.Payload[2:]) > h264.MaxNALUSize {
		d.isDecodingFragmented = false
		return nil, 0, ErrNALUTooBig
	}
	d.fragmentedBuffer = append(d.fragmentedBuffer, pkt.Payload[2:]...)

	if end != 1 {
		return nil, 0, ErrMorePacketsNeeded
	}

	d.isDecodingFragmented = false
	return [][]byte{d.fragmentedBuffer}, d.timeDecoder.decode(pkt.Timestamp), nil
}

func (d *Decoder) decodeUnfragmented(pkt *rtp.Packet) ([][]byte, time.Duration, error) {
	if len(pkt.Payload) < 1 {
		return nil, 0, ErrShortPayload
	}

	switch pkt.Payload[0] & 0x1F {
	case naluTypeSTAPA:
		payload := pkt.Payload[1:]
		var nalus [][]byte

		for len(payload) > 0 {
			if len(payload) < 2 {
				return nil, 0, ErrSTAPinvalid
			}

			size := binary.BigEndian.Uint16(payload)
			payload = payload[2:]

			// avoid final padding
			if size == 0 {
				break
			}

			if int(size) > len(payload) {
				return nil, 0, ErrSTAPinvalid
			}

			nalus = append(nalus, payload[:size])
			payload = payload[size:]
		}

		if len(nalus) == 0 {
			return nil, 0, ErrSTAPnaluMissing
		}

		d.startingPacketReceived = true
		return nalus, d.timeDecoder.decode(pkt.Timestamp), nil

	case naluTypeFUA: // first packet of a fragmented NALU
		if len(pkt.Payload) < 2 {
			return nil, 0, ErrFUinvalidSize
		}

		start := pkt.Payload[1] >> 7
		if start != 1 {
			if !d.startingPacketReceived {
				return nil, 0, ErrNonStartingPacketAndNoPrevious
			}
			return nil, 0, ErrFUinvalidNonStarting
		}

		nri := (pkt.Payload[0] >> 5) & 0x03
		typ := pkt.Payload[1] & 0x1F
		d.fragmentedBuffer = append([]byte{(nri << 5) | typ}, pkt.Payload[2:]...)

		d.isDecodingFragmented = true
		d.startingPacketReceived = true
		return nil, 0, ErrMorePacketsNeeded

	case naluTypeSTAPB, naluTypeMTAP16, naluTypeMTAP24, naluTypeFUB:
		return nil, 0, fmt.Errorf("%w (%v)", ErrTypeUnsupported, pkt.Payload[0]&0x1F)
	}

	d.startingPacketReceived = true
	return [][]byte{pkt.Payload}, d.timeDecoder.decode(pkt.Timestamp), nil
}

// DecodeUntilMarker decodes NALUs from a RTP/H264 packet and puts them in a buffer.
// When a packet has the marker flag (meaning that all the NALUs with the same PTS have
// been received), the buffer is returned.
func (d *Decoder) DecodeUntilMarker(pkt *rtp.Packet) ([][]byte, time.Duration, error) {
	nalus, pts, err := d.Decode(pkt)
	if err != nil {
		// The access unit is incomplete.
		if !errors.Is(err, ErrMorePacketsNeeded) {
			d.naluBuffer = nil
		}
		return nil, 0, err
	}

	d.naluBuffer = append(d.naluBuffer, nalus...)

	if !pkt.Marker {
		return nil, 0, ErrMorePacketsNeeded
	}

	ret := d.naluBuffer
	d.naluBuffer = nil

	return ret, pts, nil
}
