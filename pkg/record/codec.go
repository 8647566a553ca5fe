// SPDX-License-Identifier: GPL-2.0-or-later

package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"sensormux/pkg/capture"
	"sensormux/pkg/video/h264"
)

var byteOrder = binary.NativeEndian

func appendFloat64(buf []byte, v float64) []byte {
	return byteOrder.AppendUint64(buf, math.Float64bits(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	return byteOrder.AppendUint32(buf, v)
}

func appendBlob(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// EncodeMotion encodes a three axis motion record.
func EncodeMotion(tag Tag, timestamp, x, y, z float64) ([]byte, error) {
	if !isMotionTag(tag) {
		return nil, fmt.Errorf("%w: %v", ErrMotionKind, tag)
	}
	buf := make([]byte, 0, tagSize+motionFieldCount*float64Size)
	buf = append(buf, byte(tag))
	buf = appendFloat64(buf, timestamp)
	buf = appendFloat64(buf, x)
	buf = appendFloat64(buf, y)
	return appendFloat64(buf, z), nil
}

// EncodeGyroscope encodes a gyroscope record.
func EncodeGyroscope(timestamp, x, y, z float64) []byte {
	buf, _ := EncodeMotion(TagGyroscope, timestamp, x, y, z)
	return buf
}

// EncodeAccelerometer encodes an accelerometer record.
func EncodeAccelerometer(timestamp, x, y, z float64) []byte {
	buf, _ := EncodeMotion(TagAccelerometer, timestamp, x, y, z)
	return buf
}

// EncodeMagnetometer encodes a magnetometer record.
func EncodeMagnetometer(timestamp, x, y, z float64) []byte {
	buf, _ := EncodeMotion(TagMagnetometer, timestamp, x, y, z)
	return buf
}

// EncodeAltimeter encodes an altimeter record.
func EncodeAltimeter(timestamp, pressure, relativeAltitude float64) []byte {
	buf := make([]byte, 0, tagSize+altimeterFieldCount*float64Size)
	buf = append(buf, byte(TagAltimeter))
	buf = appendFloat64(buf, timestamp)
	buf = appendFloat64(buf, pressure)
	return appendFloat64(buf, relativeAltitude)
}

// EncodeImage encodes the first plane of an image buffer.
// The buffer is locked for the duration of the copy.
func EncodeImage(timestamp float64, img capture.ImageBuffer) ([]byte, error) {
	if img == nil {
		return nil, ErrImageBufferMissing
	}
	if err := img.Lock(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageBufferLock, err)
	}
	defer img.Unlock()

	width, height := img.Width(), img.Height()
	size := img.BytesPerRow(0) * height
	pixels := img.BaseAddress(0)
	if width < 0 || height < 0 || size < 0 || len(pixels) < size {
		return nil, fmt.Errorf("%w: %d/%d", ErrImageBufferShort, len(pixels), size)
	}

	buf := make([]byte, 0, imageHeaderSize+size)
	buf = append(buf, byte(TagImage))
	buf = appendFloat64(buf, timestamp)
	buf = appendUint32(buf, uint32(width))
	buf = appendUint32(buf, uint32(height))
	return append(buf, pixels[:size]...), nil
}

// EncodeVideoAccessUnit encodes an AVCC access unit. Keyframes carry the
// SPS and PPS from the format description, other frames carry two empty
// parameter sets. Zero length NAL units are skipped since a zero length
// terminates the list.
func EncodeVideoAccessUnit(timestamp float64, sample *capture.Sample) ([]byte, error) {
	if sample == nil || sample.Data == nil {
		return nil, ErrDataBufferMissing
	}
	if sample.Attachments == nil {
		return nil, ErrAttachmentsMissing
	}

	data, err := readDataBuffer(sample.Data)
	if err != nil {
		return nil, err
	}
	nalus, err := h264.AVCCUnmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAVCCTrailing, err)
	}

	var sps, pps []byte
	if sample.Attachments.IsKeyframe() && sample.Format != nil {
		sps, _ = sample.Format.ParameterSet(0)
		pps, _ = sample.Format.ParameterSet(1)
	}

	buf := make([]byte, 0, videoMinRecordSize+len(sps)+len(pps)+len(data))
	buf = append(buf, byte(TagEncodedVideo))
	buf = appendFloat64(buf, timestamp)
	buf = appendBlob(buf, sps)
	buf = appendBlob(buf, pps)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		buf = appendBlob(buf, nalu)
	}
	return appendUint32(buf, 0), nil
}

// readDataBuffer copies a possibly non-contiguous buffer.
func readDataBuffer(b capture.DataBuffer) ([]byte, error) {
	total := b.TotalLength()
	if total < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrDataBufferRead)
	}
	data := make([]byte, 0, total)
	for offset := 0; offset < total; {
		block, err := b.DataPointer(offset)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataBufferRead, err)
		}
		if len(block) == 0 {
			return nil, fmt.Errorf("%w: empty block at %d", ErrDataBufferRead, offset)
		}
		if len(block) > total-offset {
			block = block[:total-offset]
		}
		data = append(data, block...)
		offset += len(block)
	}
	return data, nil
}
