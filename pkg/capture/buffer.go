// SPDX-License-Identifier: GPL-2.0-or-later

package capture

import (
	"errors"
	"fmt"
	"sync"
)

// Frame is a captured camera frame.
type Frame struct {
	// Image is nil if the platform did not deliver an image buffer.
	Image ImageBuffer
}

// ImageBuffer is a possibly planar pixel buffer that must be locked before
// its memory can be addressed.
type ImageBuffer interface {
	Width() int
	Height() int
	BytesPerRow(plane int) int

	Lock() error
	Unlock()

	// BaseAddress returns the memory of a plane, only valid while locked.
	BaseAddress(plane int) []byte
}

// Image buffer errors.
var (
	ErrAlreadyLocked = errors.New("already locked")
	ErrNotLocked     = errors.New("not locked")
	ErrPlaneIndex    = errors.New("plane index out of range")
)

// PlaneBuffer is an in-memory ImageBuffer.
type PlaneBuffer struct {
	width  int
	height int
	planes [][]byte
	stride []int

	locked bool
	mu     sync.Mutex
}

// NewPlaneBuffer returns a single plane image buffer.
func NewPlaneBuffer(width, height, bytesPerRow int, pixels []byte) *PlaneBuffer {
	return &PlaneBuffer{
		width:  width,
		height: height,
		planes: [][]byte{pixels},
		stride: []int{bytesPerRow},
	}
}

// NewGrayFrame returns a frame with a single 8bit plane filled with value.
func NewGrayFrame(width, height int, value byte) *Frame {
	pixels := make([]byte, width*height)
	for i := range pixels {
		pixels[i] = value
	}
	return &Frame{Image: NewPlaneBuffer(width, height, width, pixels)}
}

// Width implements ImageBuffer.
func (b *PlaneBuffer) Width() int { return b.width }

// Height implements ImageBuffer.
func (b *PlaneBuffer) Height() int { return b.height }

// BytesPerRow implements ImageBuffer.
func (b *PlaneBuffer) BytesPerRow(plane int) int {
	if plane < 0 || plane >= len(b.stride) {
		return 0
	}
	return b.stride[plane]
}

// Lock implements ImageBuffer.
func (b *PlaneBuffer) Lock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return ErrAlreadyLocked
	}
	b.locked = true
	return nil
}

// Unlock implements ImageBuffer.
func (b *PlaneBuffer) Unlock() {
	b.mu.Lock()
	b.locked = false
	b.mu.Unlock()
}

// Locked reports if the buffer is locked.
func (b *PlaneBuffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// BaseAddress implements ImageBuffer.
func (b *PlaneBuffer) BaseAddress(plane int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked || plane < 0 || plane >= len(b.planes) {
		return nil
	}
	return b.planes[plane]
}

// Sample is an encoded access unit in the encoder's container representation.
type Sample struct {
	// Nil if the sample carries no attachments.
	Attachments *Attachments

	// Nil if the encoder has no format description.
	Format FormatDescription

	// AVCC NAL units, nil if the sample carries no data.
	Data DataBuffer
}

// Attachments per-sample metadata.
type Attachments struct {
	// NotSync is set to true for samples that aren't sync samples.
	// Absence means the sample is a sync sample.
	NotSync *bool
}

// IsKeyframe returns true unless NotSync is set.
func (a Attachments) IsKeyframe() bool {
	return a.NotSync == nil || !*a.NotSync
}

// NotSync returns attachments with the NotSync flag set to v.
func NotSync(v bool) *Attachments {
	return &Attachments{NotSync: &v}
}

// FormatDescription describes the encoded stream.
type FormatDescription interface {
	// ParameterSet returns the H264 parameter set at index,
	// 0 is the SPS and 1 is the PPS.
	ParameterSet(index int) ([]byte, bool)
}

// ParameterSets is a FormatDescription.
type ParameterSets struct {
	SPS []byte
	PPS []byte
}

// ParameterSet implements FormatDescription.
func (p ParameterSets) ParameterSet(index int) ([]byte, bool) {
	switch index {
	case 0:
		return p.SPS, p.SPS != nil
	case 1:
		return p.PPS, p.PPS != nil
	}
	return nil, false
}

// DataBuffer is a, possibly non-contiguous, read only byte buffer.
type DataBuffer interface {
	TotalLength() int

	// DataPointer returns the contiguous block that starts at offset.
	DataPointer(offset int) ([]byte, error)
}

// ErrOffset offset is outside of the buffer.
var ErrOffset = errors.New("offset out of range")

// BlockBuffer is a DataBuffer made of several blocks.
type BlockBuffer struct {
	blocks [][]byte
	total  int
}

// NewBlockBuffer returns a buffer backed by blocks.
func NewBlockBuffer(blocks ...[]byte) *BlockBuffer {
	total := 0
	for _, b := range blocks {
		total += len(b)
	}
	return &BlockBuffer{blocks: blocks, total: total}
}

// NewSliceBuffer returns a buffer backed by a single block.
func NewSliceBuffer(buf []byte) *BlockBuffer {
	return NewBlockBuffer(buf)
}

// TotalLength implements DataBuffer.
func (b *BlockBuffer) TotalLength() int {
	return b.total
}

// DataPointer implements DataBuffer.
func (b *BlockBuffer) DataPointer(offset int) ([]byte, error) {
	if offset < 0 || offset >= b.total {
		return nil, fmt.Errorf("%w: %d", ErrOffset, offset)
	}
	pos := 0
	for _, block := range b.blocks {
		if offset < pos+len(block) {
			return block[offset-pos:], nil
		}
		pos += len(block)
	}
	return nil, fmt.Errorf("%w: %d", ErrOffset, offset)
}
