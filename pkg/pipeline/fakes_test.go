// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"

	"sensormux/pkg/capture"
	"sensormux/pkg/record"
)

type fakeCamera struct {
	handler capture.CameraHandler
	mu      sync.RWMutex
}

func (*fakeCamera) Width() int  { return 2 }
func (*fakeCamera) Height() int { return 2 }
func (*fakeCamera) FPS() int    { return 30 }

func (c *fakeCamera) SetHandler(h capture.CameraHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeCamera) Handler() capture.CameraHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *fakeCamera) frame(ts float64, f *capture.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handler != nil {
		c.handler.OnFrame(ts, f)
	}
}

func (c *fakeCamera) drop() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handler != nil {
		c.handler.OnDrop()
	}
}

type fakeMotion struct {
	handler capture.MotionHandler
	mu      sync.RWMutex
}

func (m *fakeMotion) SetHandler(h capture.MotionHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *fakeMotion) Handler() capture.MotionHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

func (m *fakeMotion) emit(fn func(capture.MotionHandler)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handler != nil {
		fn(m.handler)
	}
}

type fakeEncoder struct {
	handler capture.EncoderHandler
	frames  []float64
	closed  int
	mu      sync.RWMutex
}

func (e *fakeEncoder) EncodeFrame(ts float64, _ *capture.Frame) {
	e.mu.Lock()
	e.frames = append(e.frames, ts)
	e.mu.Unlock()
}

func (e *fakeEncoder) SetHandler(h capture.EncoderHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *fakeEncoder) Handler() capture.EncoderHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) sample(ts float64, s *capture.Sample) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.handler != nil {
		e.handler.OnSample(ts, s)
	}
}

type fakeFactory struct {
	encoder *fakeEncoder
	err     error
	args    []int
}

func (f *fakeFactory) NewEncoder(width, height, fps int) (capture.Encoder, error) {
	f.args = []int{width, height, fps}
	if f.err != nil {
		return nil, f.err
	}
	return f.encoder, nil
}

var errMock = errors.New("mock")

// recordSink decodes every record and fails on concurrent calls.
type recordSink struct {
	records  []record.Record
	drops    int
	inflight atomic.Int32
	overlap  atomic.Bool
	mu       sync.Mutex
}

func (s *recordSink) enter() func() {
	if s.inflight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	return func() { s.inflight.Add(-1) }
}

func (s *recordSink) OnData(buf []byte) {
	defer s.enter()()
	rec, err := record.Unmarshal(buf)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

func (s *recordSink) OnDrop() {
	defer s.enter()()
	s.mu.Lock()
	s.drops++
	s.mu.Unlock()
}

func (s *recordSink) Label() string { return "test" }

func (s *recordSink) snapshot() ([]record.Record, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.records...), s.drops
}

func avcc(nalus ...[]byte) []byte {
	var buf []byte
	for _, n := range nalus {
		buf = append(buf, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		buf = append(buf, n...)
	}
	return buf
}
