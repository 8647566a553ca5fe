// SPDX-License-Identifier: GPL-2.0-or-later

package record

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"sensormux/pkg/video/h264"
)

// Decode errors.
var (
	ErrUnknownTag    = errors.New("unknown tag")
	ErrReservedTag   = errors.New("reserved tag")
	ErrTrailingBytes = errors.New("trailing bytes")
	ErrInvalidSize   = errors.New("invalid size")
)

// maxImageSize limits allocations from corrupt image headers.
const maxImageSize = 1 << 28

// RowBytesFunc returns the row stride of an image with the given width.
type RowBytesFunc func(width uint32) int

// ReaderOptions Reader options.
type ReaderOptions struct {
	// RowBytes is needed to find the end of image records in a stream.
	// Defaults to one byte per pixel.
	RowBytes RowBytesFunc
}

// Reader decodes a stream of concatenated records.
type Reader struct {
	r        *bufio.Reader
	rowBytes RowBytesFunc
}

// NewReader returns a reader.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	rowBytes := opts.RowBytes
	if rowBytes == nil {
		rowBytes = func(width uint32) int { return int(width) }
	}
	return &Reader{r: bufio.NewReader(r), rowBytes: rowBytes}
}

// Next returns the next record, io.EOF at a record boundary
// and io.ErrUnexpectedEOF inside a record.
func (r *Reader) Next() (Record, error) {
	tagByte, err := r.r.ReadByte()
	if err != nil {
		return nil, err
	}
	rec, err := r.readBody(Tag(tagByte))
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	return rec, err
}

func (r *Reader) readBody(tag Tag) (Record, error) {
	switch {
	case isMotionTag(tag):
		v, err := r.readFloats(motionFieldCount)
		if err != nil {
			return nil, err
		}
		return Motion{Kind: tag, Timestamp: v[0], X: v[1], Y: v[2], Z: v[3]}, nil

	case tag == TagAltimeter:
		v, err := r.readFloats(altimeterFieldCount)
		if err != nil {
			return nil, err
		}
		return Altimeter{Timestamp: v[0], Pressure: v[1], RelativeAltitude: v[2]}, nil

	case tag == TagImage:
		return r.readImage()

	case tag == TagEncodedVideo:
		return r.readVideo()

	case tag.Reserved():
		return nil, fmt.Errorf("%w: %v", ErrReservedTag, tag)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(tag))
}

func (r *Reader) readFloats(n int) ([]float64, error) {
	v := make([]float64, n)
	for i := range v {
		f, err := r.readFloat64()
		if err != nil {
			return nil, err
		}
		v[i] = f
	}
	return v, nil
}

func (r *Reader) readFloat64() (float64, error) {
	var buf [float64Size]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(byteOrder.Uint64(buf[:])), nil
}

func (r *Reader) readUint32() (uint32, error) {
	var buf [uint32Size]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

func (r *Reader) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) readBlob() ([]byte, error) {
	size, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if size > h264.MaxNALUSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return r.readN(int(size))
}

func (r *Reader) readImage() (Record, error) {
	ts, err := r.readFloat64()
	if err != nil {
		return nil, err
	}
	width, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	height, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	size := uint64(r.rowBytes(width)) * uint64(height)
	if size > maxImageSize {
		return nil, fmt.Errorf("%w: image %dx%d", ErrInvalidSize, width, height)
	}
	pixels, err := r.readN(int(size))
	if err != nil {
		return nil, err
	}
	return Image{Timestamp: ts, Width: width, Height: height, Pixels: pixels}, nil
}

func (r *Reader) readVideo() (Record, error) {
	ts, err := r.readFloat64()
	if err != nil {
		return nil, err
	}
	sps, err := r.readBlob()
	if err != nil {
		return nil, err
	}
	pps, err := r.readBlob()
	if err != nil {
		return nil, err
	}
	rec := EncodedVideo{Timestamp: ts, SPS: sps, PPS: pps}
	for {
		nalu, err := r.readBlob()
		if err != nil {
			return nil, err
		}
		if len(nalu) == 0 {
			return rec, nil
		}
		rec.NALUs = append(rec.NALUs, nalu)
	}
}

// Unmarshal decodes a single record payload. Image pixels
// are the remainder of the payload.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if Tag(buf[0]) == TagImage {
		return unmarshalImage(buf)
	}

	br := bytes.NewReader(buf)
	r := &Reader{r: bufio.NewReader(br)}
	rec, err := r.Next()
	if err != nil {
		return nil, err
	}
	if remaining := r.r.Buffered() + br.Len(); remaining != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, remaining)
	}
	return rec, nil
}

func unmarshalImage(buf []byte) (Record, error) {
	if len(buf) < imageHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}
	pos := tagSize
	ts := math.Float64frombits(byteOrder.Uint64(buf[pos:]))
	pos += float64Size
	width := byteOrder.Uint32(buf[pos:])
	pos += uint32Size
	height := byteOrder.Uint32(buf[pos:])
	pos += uint32Size
	pixels := make([]byte, len(buf)-pos)
	copy(pixels, buf[pos:])
	return Image{Timestamp: ts, Width: width, Height: height, Pixels: pixels}, nil
}
