// SPDX-License-Identifier: GPL-2.0-or-later

// Package record encodes capture events into self-describing tagged records.
//
// A record is a tag byte followed by a fixed layout per tag. All integers and
// floats use the host's native byte order.
//
//	Image         0  f64 timestamp, u32 width, u32 height, []byte pixels
//	Gyroscope     1  f64 timestamp, f64 x, f64 y, f64 z
//	Accelerometer 2  f64 timestamp, f64 x, f64 y, f64 z
//	Magnetometer  3  f64 timestamp, f64 x, f64 y, f64 z
//	Altimeter     4  f64 timestamp, f64 pressure, f64 relativeAltitude
//	EncodedVideo  8  f64 timestamp, u32 spsSize, sps, u32 ppsSize, pps,
//	                 { u32 naluSize, nalu }*, u32 0
//
// Tags 5 to 7 are reserved for device motion and location.
// Image pixels are rowBytes*height bytes of the first plane.
package record

import (
	"errors"
	"fmt"
)

// Tag identifies the record layout.
type Tag uint8

// Record tags, values are part of the format and must never change.
const (
	TagImage          Tag = 0
	TagGyroscope      Tag = 1
	TagAccelerometer  Tag = 2
	TagMagnetometer   Tag = 3
	TagAltimeter      Tag = 4
	TagDeviceMotion   Tag = 5 // Reserved.
	TagLocation       Tag = 6 // Reserved.
	TagReserved7      Tag = 7 // Reserved.
	TagEncodedVideo   Tag = 8
	tagSize               = 1
	float64Size           = 8
	uint32Size            = 4
	motionFieldCount      = 4
	altimeterFieldCount   = 3
	imageHeaderSize       = tagSize + float64Size + 2*uint32Size
	videoMinRecordSize    = tagSize + float64Size + 3*uint32Size
	reservedTagRangeStart = TagDeviceMotion
)

var tagNames = map[Tag]string{
	TagImage:         "image",
	TagGyroscope:     "gyroscope",
	TagAccelerometer: "accelerometer",
	TagMagnetometer:  "magnetometer",
	TagAltimeter:     "altimeter",
	TagDeviceMotion:  "deviceMotion",
	TagLocation:      "location",
	TagReserved7:     "reserved7",
	TagEncodedVideo:  "encodedVideo",
}

// String implements fmt.Stringer.
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Reserved reports if the tag is reserved and never emitted.
func (t Tag) Reserved() bool {
	return t >= reservedTagRangeStart && t < TagEncodedVideo
}

// Tags returns every emitted tag.
func Tags() []Tag {
	return []Tag{
		TagImage,
		TagGyroscope,
		TagAccelerometer,
		TagMagnetometer,
		TagAltimeter,
		TagEncodedVideo,
	}
}

// Record is a decoded record.
type Record interface {
	Tag() Tag
	Time() float64
}

// Image raw camera image.
type Image struct {
	Timestamp float64
	Width     uint32
	Height    uint32
	Pixels    []byte
}

// Tag implements Record.
func (Image) Tag() Tag { return TagImage }

// Time implements Record.
func (r Image) Time() float64 { return r.Timestamp }

// Motion is a gyroscope, accelerometer or magnetometer sample.
type Motion struct {
	Kind      Tag
	Timestamp float64
	X         float64
	Y         float64
	Z         float64
}

// Tag implements Record.
func (r Motion) Tag() Tag { return r.Kind }

// Time implements Record.
func (r Motion) Time() float64 { return r.Timestamp }

// Altimeter barometric altitude sample.
type Altimeter struct {
	Timestamp        float64
	Pressure         float64
	RelativeAltitude float64
}

// Tag implements Record.
func (Altimeter) Tag() Tag { return TagAltimeter }

// Time implements Record.
func (r Altimeter) Time() float64 { return r.Timestamp }

// EncodedVideo H264 access unit.
// SPS and PPS are empty for non-keyframes.
type EncodedVideo struct {
	Timestamp float64
	SPS       []byte
	PPS       []byte
	NALUs     [][]byte
}

// Tag implements Record.
func (EncodedVideo) Tag() Tag { return TagEncodedVideo }

// Time implements Record.
func (r EncodedVideo) Time() float64 { return r.Timestamp }

// IsKeyframe reports if the parameter sets are present.
func (r EncodedVideo) IsKeyframe() bool {
	return len(r.SPS) != 0 || len(r.PPS) != 0
}

// ErrDropped is wrapped by every error that means no record could be produced.
var ErrDropped = errors.New("record dropped")

// Drop causes.
var (
	ErrImageBufferMissing = fmt.Errorf("%w: missing image buffer", ErrDropped)
	ErrImageBufferLock    = fmt.Errorf("%w: lock image buffer", ErrDropped)
	ErrImageBufferShort   = fmt.Errorf("%w: image buffer too short", ErrDropped)
	ErrAttachmentsMissing = fmt.Errorf("%w: missing sample attachments", ErrDropped)
	ErrDataBufferMissing  = fmt.Errorf("%w: missing data buffer", ErrDropped)
	ErrDataBufferRead     = fmt.Errorf("%w: read data buffer", ErrDropped)
	ErrAVCCTrailing       = fmt.Errorf("%w: NALU lengths do not match data buffer", ErrDropped)
)

// ErrMotionKind the tag is not a three axis motion tag.
var ErrMotionKind = errors.New("not a motion tag")

func isMotionTag(t Tag) bool {
	return t == TagGyroscope || t == TagAccelerometer || t == TagMagnetometer
}
