// SPDX-License-Identifier: GPL-2.0-or-later

package synthetic

import (
	"context"
	"sync"
	"testing"
	"time"

	"sensormux/pkg/capture"

	"github.com/stretchr/testify/require"
)

type cameraRecorder struct {
	timestamps []float64
	pixels     [][]byte
	drops      int
	mu         sync.Mutex
}

func (r *cameraRecorder) OnFrame(ts float64, frame *capture.Frame) {
	img := frame.Image
	if err := img.Lock(); err != nil {
		panic(err)
	}
	defer img.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps = append(r.timestamps, ts)
	r.pixels = append(r.pixels, append([]byte(nil), img.BaseAddress(0)...))
}

func (r *cameraRecorder) OnDrop() {
	r.mu.Lock()
	r.drops++
	r.mu.Unlock()
}

func (r *cameraRecorder) frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timestamps) + r.drops
}

func TestCamera(t *testing.T) {
	t.Run("invalid", func(t *testing.T) {
		_, err := NewCamera(0, 1, 1)
		require.ErrorIs(t, err, ErrInvalidSize)
		_, err = NewCamera(1, 1, 0)
		require.ErrorIs(t, err, ErrInvalidFPS)
	})
	t.Run("emit", func(t *testing.T) {
		c, err := NewCamera(2, 2, 30)
		require.NoError(t, err)
		require.Equal(t, 2, c.Width())
		require.Equal(t, 2, c.Height())
		require.Equal(t, 30, c.FPS())

		r := &cameraRecorder{}
		c.SetHandler(r)
		c.Emit(1.5, 1)
		c.SetHandler(nil)
		c.Emit(2, 2)

		require.Equal(t, []float64{1.5}, r.timestamps)
		require.Equal(t, [][]byte{{1, 2, 2, 3}}, r.pixels)
	})
	t.Run("run", func(t *testing.T) {
		c, err := NewCamera(4, 4, 100)
		require.NoError(t, err)
		r := &cameraRecorder{}
		c.SetHandler(r)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			c.Run(ctx)
			close(done)
		}()
		require.Eventually(t, func() bool {
			return r.frames() >= 3
		}, time.Second, time.Millisecond)
		cancel()
		<-done
	})
}

type motionRecorder struct {
	calls map[string]int
	mu    sync.Mutex
}

func (r *motionRecorder) inc(name string) {
	r.mu.Lock()
	r.calls[name]++
	r.mu.Unlock()
}

func (r *motionRecorder) OnGyroscope(float64, float64, float64, float64) {
	r.inc("gyroscope")
}

func (r *motionRecorder) OnAccelerometer(float64, float64, float64, float64) {
	r.inc("accelerometer")
}

func (r *motionRecorder) OnMagnetometer(float64, float64, float64, float64) {
	r.inc("magnetometer")
}
func (r *motionRecorder) OnAltimeter(float64, float64, float64) { r.inc("altimeter") }
func (r *motionRecorder) OnDeviceMotion(capture.DeviceMotion)   { r.inc("deviceMotion") }
func (r *motionRecorder) OnLocation(capture.Location)           { r.inc("location") }

func TestMotion(t *testing.T) {
	t.Run("invalidInterval", func(t *testing.T) {
		_, err := NewMotion(0)
		require.ErrorIs(t, err, ErrInvalidInterval)
		_, err = NewMotion(-time.Second)
		require.ErrorIs(t, err, ErrInvalidInterval)
	})
	t.Run("emit", func(t *testing.T) {
		m, err := NewMotion(time.Millisecond)
		require.NoError(t, err)
		r := &motionRecorder{calls: map[string]int{}}
		m.SetHandler(r)
		m.Emit(0)
		m.SetHandler(nil)
		m.Emit(1)

		require.Equal(t, map[string]int{
			"gyroscope":     1,
			"accelerometer": 1,
			"magnetometer":  1,
			"altimeter":     1,
			"deviceMotion":  1,
			"location":      1,
		}, r.calls)
	})
	t.Run("run", func(t *testing.T) {
		m, err := NewMotion(time.Millisecond)
		require.NoError(t, err)
		r := &motionRecorder{calls: map[string]int{}}
		m.SetHandler(r)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go m.Run(ctx)
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.calls["gyroscope"] >= 2
		}, time.Second, time.Millisecond)
	})
}
