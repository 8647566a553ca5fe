// SPDX-License-Identifier: GPL-2.0-or-later

// Package synthetic provides capture sources that generate test data.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"sensormux/pkg/capture"
)

// Errors.
var (
	ErrInvalidSize     = errors.New("invalid size")
	ErrInvalidFPS      = errors.New("invalid fps")
	ErrInvalidInterval = errors.New("invalid update interval")
)

// Camera generates moving gray gradient frames.
type Camera struct {
	width  int
	height int
	fps    int

	handler capture.CameraHandler
	mu      sync.RWMutex
}

// NewCamera returns a camera, call Run to start capturing.
func NewCamera(width, height, fps int) (*Camera, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFPS, fps)
	}
	return &Camera{width: width, height: height, fps: fps}, nil
}

// Width implements capture.Camera.
func (c *Camera) Width() int { return c.width }

// Height implements capture.Camera.
func (c *Camera) Height() int { return c.height }

// FPS implements capture.Camera.
func (c *Camera) FPS() int { return c.fps }

// SetHandler implements capture.Camera.
func (c *Camera) SetHandler(h capture.CameraHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Frame returns frame n of the test pattern.
func (c *Camera) Frame(n int) *capture.Frame {
	pixels := make([]byte, c.width*c.height)
	for y := 0; y < c.height; y++ {
		row := pixels[y*c.width : (y+1)*c.width]
		for x := range row {
			row[x] = byte(x + y + n)
		}
	}
	return &capture.Frame{Image: capture.NewPlaneBuffer(c.width, c.height, c.width, pixels)}
}

// Emit delivers frame n to the handler.
func (c *Camera) Emit(timestamp float64, n int) {
	frame := c.Frame(n)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handler != nil {
		c.handler.OnFrame(timestamp, frame)
	}
}

// Run captures frames until ctx is canceled. A frame that
// is late by more than one frame interval is dropped.
func (c *Camera) Run(ctx context.Context) {
	interval := time.Second / time.Duration(c.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if time.Since(tick) > interval {
				c.drop()
				continue
			}
			c.Emit(tick.Sub(start).Seconds(), n)
		}
	}
}

func (c *Camera) drop() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handler != nil {
		c.handler.OnDrop()
	}
}

// Motion generates sinusoidal sensor samples.
type Motion struct {
	interval time.Duration

	handler capture.MotionHandler
	mu      sync.RWMutex
}

// NewMotion returns a motion source, call Run to start sampling.
func NewMotion(interval time.Duration) (*Motion, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	return &Motion{interval: interval}, nil
}

// SetHandler implements capture.Motion.
func (m *Motion) SetHandler(h capture.MotionHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Emit delivers one sample of every sensor.
func (m *Motion) Emit(timestamp float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.handler
	if h == nil {
		return
	}

	s, c := math.Sin(timestamp), math.Cos(timestamp)
	h.OnGyroscope(timestamp, s, c, 0)
	h.OnAccelerometer(timestamp, 0, 0, -1+0.01*s)
	h.OnMagnetometer(timestamp, 20*c, 20*s, -40)
	h.OnAltimeter(timestamp, 101.325+0.001*s, 0.1*s)

	half := timestamp / 2
	h.OnDeviceMotion(capture.DeviceMotion{
		Timestamp:   timestamp,
		QuaternionZ: math.Sin(half),
		QuaternionW: math.Cos(half),
		GravityZ:    -1,
	})
	h.OnLocation(capture.Location{
		Timestamp:          timestamp,
		Longitude:          18.0686,
		Latitude:           59.3293,
		HorizontalAccuracy: 5,
		VerticalAccuracy:   10,
	})
}

// Run samples until ctx is canceled.
func (m *Motion) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			m.Emit(tick.Sub(start).Seconds())
		}
	}
}
