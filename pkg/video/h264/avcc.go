package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AVCC errors.
var (
	ErrAVCCInvalidLength = errors.New("invalid length")
)

// AVCCnaluSizeTooBigError .
type AVCCnaluSizeTooBigError struct {
	NALUSize int
}

func (e AVCCnaluSizeTooBigError) Error() string {
	return fmt.Sprintf("NALU size (%d) is too big (maximum is %d)", e.NALUSize, MaxNALUSize)
}

// AVCCUnmarshal decodes NALUs from the AVCC stream format.
// Every byte of buf must belong to a length prefix or a NALU.
func AVCCUnmarshal(buf []byte) ([][]byte, error) {
	bl := len(buf)
	pos := 0
	var ret [][]byte

	for pos < bl {
		if (bl - pos) < 4 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrAVCCInvalidLength, bl-pos)
		}

		le := int(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4

		if le > MaxNALUSize {
			return nil, AVCCnaluSizeTooBigError{NALUSize: le}
		}

		if (bl - pos) < le {
			return nil, fmt.Errorf("%w: NALU size %d, %d bytes left",
				ErrAVCCInvalidLength, le, bl-pos)
		}

		ret = append(ret, buf[pos:pos+le])
		pos += le
	}

	return ret, nil
}

func avccMarshalSize(nalus [][]byte) int {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	return n
}

// AVCCMarshal encodes NALUs into the AVCC stream format.
func AVCCMarshal(nalus [][]byte) []byte {
	buf := make([]byte, avccMarshalSize(nalus))
	pos := 0
	for _, nalu := range nalus {
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(nalu)))
		pos += 4

		pos += copy(buf[pos:], nalu)
	}
	return buf
}

// ErrDecoderConfigInvalid SPS or PPS cannot be stored in a decoder configuration record.
var ErrDecoderConfigInvalid = errors.New("invalid decoder configuration")

// AVCDecoderConfig returns the AVCDecoderConfigurationRecord (avcC) of a
// stream with one SPS and one PPS and 4 byte NALU length prefixes.
func AVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(sps) > 0xffff {
		return nil, fmt.Errorf("%w: sps size %d", ErrDecoderConfigInvalid, len(sps))
	}
	if len(pps) == 0 || len(pps) > 0xffff {
		return nil, fmt.Errorf("%w: pps size %d", ErrDecoderConfigInvalid, len(pps))
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf,
		1,      // Version.
		sps[1], // Profile.
		sps[2], // Profile compatibility.
		sps[3], // Level.
		0xff,   // Length size minus one.
		0xe1,   // Number of SPS.
	)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)
	return buf, nil
}
