// SPDX-License-Identifier: GPL-2.0-or-later

// Package pipeline multiplexes capture sources into a single record stream.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"sensormux/pkg/capture"
	"sensormux/pkg/log"
	"sensormux/pkg/record"
	"sensormux/pkg/sink"
	"sensormux/pkg/video/h264"
)

// State of a multiplexer.
type State int

// States.
const (
	StateUnattached State = iota
	StateAttached
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Errors.
var (
	ErrNoCamera      = errors.New("camera is required")
	ErrEncoderCreate = errors.New("could not create encoder")
)

// Config multiplexer configuration.
type Config struct {
	Camera capture.Camera

	// Optional.
	Motion capture.Motion

	// Nil disables encoding.
	Encoders capture.EncoderFactory

	// Nil discards records.
	Sink sink.Sink

	// Forced if there is no encoder.
	SaveRawImage bool

	// Encoder frame rate, defaults to the camera frame rate.
	FPS int

	Logger *log.Logger
}

// Multiplexer subscribes to the capture sources and forwards
// every event as a record to the sink.
//
// Sources call the multiplexer from their own goroutines. Sink calls are
// serialized and the arrival order of each source is preserved.
type Multiplexer struct {
	camera       capture.Camera
	motion       capture.Motion
	encoder      capture.Encoder
	sink         sink.Sink
	saveRawImage bool
	logger       *log.Logger

	// Events hold the read lock for their whole duration,
	// detach holds the write lock.
	state   State
	stateMu sync.RWMutex

	sinkMu sync.Mutex

	stats         stats
	sawKeyframe   bool
	width, height int
}

// Attach creates an encoder if configured and subscribes to every source.
// Nothing is left subscribed on error.
func Attach(c Config) (*Multiplexer, error) {
	if c.Camera == nil {
		return nil, ErrNoCamera
	}
	logger := c.Logger
	if logger == nil {
		logger = log.NewDummyLogger()
	}

	m := &Multiplexer{
		camera:       c.Camera,
		motion:       c.Motion,
		sink:         c.Sink,
		saveRawImage: c.SaveRawImage,
		logger:       logger,
		width:        c.Camera.Width(),
		height:       c.Camera.Height(),
		stats:        newStats(),
	}

	if c.Encoders != nil {
		fps := c.FPS
		if fps <= 0 {
			fps = c.Camera.FPS()
		}
		encoder, err := c.Encoders.NewEncoder(m.width, m.height, fps)
		if err != nil {
			return nil, fmt.Errorf("%w: %dx%d@%d: %w", ErrEncoderCreate, m.width, m.height, fps, err)
		}
		m.encoder = encoder
	}
	if m.encoder == nil && !m.saveRawImage {
		m.saveRawImage = true
	}

	m.state = StateAttached

	if m.motion != nil {
		m.motion.SetHandler(motionHandler{m})
	}
	if m.encoder != nil {
		m.encoder.SetHandler(encoderHandler{m})
	}
	m.camera.SetHandler(cameraHandler{m})

	m.logInfo("attached: %dx%d, encoder=%v, rawImage=%v, sink=%v",
		m.width, m.height, m.encoder != nil, m.saveRawImage, m.sinkLabel())
	return m, nil
}

// Detach unsubscribes from every source and closes the encoder.
// No sink call happens after Detach returns.
func (m *Multiplexer) Detach() error {
	m.stateMu.Lock()
	if m.state != StateAttached {
		m.stateMu.Unlock()
		return nil
	}
	m.state = StateDetached
	m.stateMu.Unlock()

	m.camera.SetHandler(nil)
	var err error
	if m.encoder != nil {
		m.encoder.SetHandler(nil)
		if err = m.encoder.Close(); err != nil {
			err = fmt.Errorf("close encoder: %w", err)
		}
	}
	if m.motion != nil {
		m.motion.SetHandler(nil)
	}

	s := m.Stats()
	m.logInfo("detached: records=%d bytes=%d drops=%d", s.Records(), s.Bytes, s.Drops)
	return err
}

// State returns the current state.
func (m *Multiplexer) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Multiplexer) sinkLabel() string {
	if m.sink == nil {
		return "none"
	}
	return m.sink.Label()
}

// emit runs fn with the sink lock held if attached.
// The read lock keeps Detach waiting until in-flight events are delivered.
func (m *Multiplexer) emit(source capture.Source, fn func()) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != StateAttached {
		return
	}

	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.stats.lastEvent[source] = time.Now()
	fn()
}

func (m *Multiplexer) onData(tag record.Tag, buf []byte) {
	m.stats.records[tag]++
	m.stats.bytes += uint64(len(buf))
	if m.sink != nil {
		m.sink.OnData(buf)
	}
}

func (m *Multiplexer) onDrop() {
	m.stats.drops++
	if m.sink != nil {
		m.sink.OnDrop()
	}
}

func (m *Multiplexer) deliver(tag record.Tag, buf []byte, err error) {
	if err != nil {
		m.onDrop()
		if errors.Is(err, record.ErrAVCCTrailing) {
			m.logError("%v: %v", tag, err)
		} else {
			m.logDebug("%v: %v", tag, err)
		}
		return
	}
	m.onData(tag, buf)
}

func (m *Multiplexer) onFrame(timestamp float64, frame *capture.Frame) {
	// The encoder reports back through its own handler.
	if m.encoder != nil && frame != nil && m.State() == StateAttached {
		m.encoder.EncodeFrame(timestamp, frame)
	}
	if !m.saveRawImage {
		return
	}
	m.emit(capture.SourceCamera, func() {
		var img capture.ImageBuffer
		if frame != nil {
			img = frame.Image
		}
		buf, err := record.EncodeImage(timestamp, img)
		m.deliver(record.TagImage, buf, err)
	})
}

func (m *Multiplexer) onSample(timestamp float64, sample *capture.Sample) {
	m.emit(capture.SourceEncoder, func() {
		buf, err := record.EncodeVideoAccessUnit(timestamp, sample)
		if err == nil && !m.sawKeyframe && sample.Attachments.IsKeyframe() {
			m.sawKeyframe = true
			m.checkSPS(sample.Format)
		}
		m.deliver(record.TagEncodedVideo, buf, err)
	})
}

// checkSPS logs the stream resolution of the first keyframe.
func (m *Multiplexer) checkSPS(format capture.FormatDescription) {
	if format == nil {
		m.logWarn("keyframe without format description")
		return
	}
	buf, ok := format.ParameterSet(0)
	if !ok {
		m.logWarn("keyframe without SPS")
		return
	}
	var sps h264.SPS
	if err := sps.Unmarshal(buf); err != nil {
		m.logWarn("could not parse SPS: %v", err)
		return
	}
	m.logInfo("video stream: %dx%d profile=%d level=%d fps=%v",
		sps.Width(), sps.Height(), sps.ProfileIdc, sps.LevelIdc, sps.FPS())
	if sps.Width() != m.width || sps.Height() != m.height {
		m.logWarn("video stream resolution %dx%d does not match camera %dx%d",
			sps.Width(), sps.Height(), m.width, m.height)
	}
}

func (m *Multiplexer) onMotion(tag record.Tag, timestamp, x, y, z float64) {
	m.emit(capture.SourceMotion, func() {
		buf, err := record.EncodeMotion(tag, timestamp, x, y, z)
		m.deliver(tag, buf, err)
	})
}

func (m *Multiplexer) onAltimeter(timestamp, pressure, relativeAltitude float64) {
	m.emit(capture.SourceMotion, func() {
		m.onData(record.TagAltimeter, record.EncodeAltimeter(timestamp, pressure, relativeAltitude))
	})
}

// onIgnored device motion and location have no record format.
func (m *Multiplexer) onIgnored() {
	m.emit(capture.SourceMotion, func() {
		m.stats.ignored++
	})
}

func (m *Multiplexer) onSourceDrop(source capture.Source) {
	m.emit(source, m.onDrop)
}

func (m *Multiplexer) logError(format string, v ...interface{}) {
	m.logger.Error().Src("pipeline").Msgf(format, v...)
}

func (m *Multiplexer) logWarn(format string, v ...interface{}) {
	m.logger.Warn().Src("pipeline").Msgf(format, v...)
}

func (m *Multiplexer) logInfo(format string, v ...interface{}) {
	m.logger.Info().Src("pipeline").Msgf(format, v...)
}

func (m *Multiplexer) logDebug(format string, v ...interface{}) {
	m.logger.Debug().Src("pipeline").Msgf(format, v...)
}

type cameraHandler struct{ m *Multiplexer }

func (h cameraHandler) OnFrame(timestamp float64, frame *capture.Frame) {
	h.m.onFrame(timestamp, frame)
}

func (h cameraHandler) OnDrop() {
	h.m.onSourceDrop(capture.SourceCamera)
}

type encoderHandler struct{ m *Multiplexer }

func (h encoderHandler) OnSample(timestamp float64, sample *capture.Sample) {
	h.m.onSample(timestamp, sample)
}

func (h encoderHandler) OnDrop() {
	h.m.onSourceDrop(capture.SourceEncoder)
}

type motionHandler struct{ m *Multiplexer }

func (h motionHandler) OnGyroscope(timestamp, x, y, z float64) {
	h.m.onMotion(record.TagGyroscope, timestamp, x, y, z)
}

func (h motionHandler) OnAccelerometer(timestamp, x, y, z float64) {
	h.m.onMotion(record.TagAccelerometer, timestamp, x, y, z)
}

func (h motionHandler) OnMagnetometer(timestamp, x, y, z float64) {
	h.m.onMotion(record.TagMagnetometer, timestamp, x, y, z)
}

func (h motionHandler) OnAltimeter(timestamp, pressure, relativeAltitude float64) {
	h.m.onAltimeter(timestamp, pressure, relativeAltitude)
}

func (h motionHandler) OnDeviceMotion(capture.DeviceMotion) {
	h.m.onIgnored()
}

func (h motionHandler) OnLocation(capture.Location) {
	h.m.onIgnored()
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
