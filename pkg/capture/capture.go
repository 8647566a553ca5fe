// SPDX-License-Identifier: GPL-2.0-or-later

// Package capture defines the capability interfaces between the capture
// sources (camera, motion sensors, video encoder) and their consumer.
//
// Sources push events to a single registered handler from a goroutine of
// their own choosing. Handlers must not assume any relation between the
// goroutines of different sources.
package capture

// Source identifies a capture source.
type Source string

// Sources.
const (
	SourceCamera  Source = "camera"
	SourceMotion  Source = "motion"
	SourceEncoder Source = "encoder"
)

// CameraHandler receives camera events.
type CameraHandler interface {
	// OnFrame is called for every captured frame.
	// The frame is only valid for the duration of the call.
	OnFrame(timestamp float64, frame *Frame)

	// OnDrop is called when the camera dropped a frame.
	OnDrop()
}

// MotionHandler receives motion and location events.
type MotionHandler interface {
	OnGyroscope(timestamp, x, y, z float64)
	OnAccelerometer(timestamp, x, y, z float64)
	OnMagnetometer(timestamp, x, y, z float64)
	OnAltimeter(timestamp, pressure, relativeAltitude float64)
	OnDeviceMotion(DeviceMotion)
	OnLocation(Location)
}

// EncoderHandler receives encoded video.
type EncoderHandler interface {
	// OnSample is called for every encoded access unit.
	OnSample(timestamp float64, sample *Sample)

	// OnDrop is called when the encoder dropped a frame.
	OnDrop()
}

// Camera is a source of image frames.
//
// SetHandler replaces the current handler, nil unsubscribes. Once SetHandler
// returns, the previous handler will not be called again.
type Camera interface {
	Width() int
	Height() int
	FPS() int
	SetHandler(CameraHandler)
}

// Motion is a source of motion and location samples, see Camera for SetHandler.
type Motion interface {
	SetHandler(MotionHandler)
}

// Encoder compresses camera frames into H264 access units,
// see Camera for SetHandler.
type Encoder interface {
	EncodeFrame(timestamp float64, frame *Frame)
	SetHandler(EncoderHandler)
	Close() error
}

// EncoderFactory creates encoders.
type EncoderFactory interface {
	NewEncoder(width, height, fps int) (Encoder, error)
}

// DeviceMotion is an attitude estimate fused from several sensors.
type DeviceMotion struct {
	Timestamp float64

	// Attitude quaternion.
	QuaternionX float64
	QuaternionY float64
	QuaternionZ float64
	QuaternionW float64

	// Gravity and user acceleration in G.
	GravityX          float64
	GravityY          float64
	GravityZ          float64
	UserAccelerationX float64
	UserAccelerationY float64
	UserAccelerationZ float64
}

// Location is a geolocation fix.
type Location struct {
	Timestamp          float64
	Longitude          float64
	Latitude           float64
	Altitude           float64
	HorizontalAccuracy float64
	VerticalAccuracy   float64
}
