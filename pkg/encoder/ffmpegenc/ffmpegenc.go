// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmpegenc encodes camera frames with an ffmpeg subprocess.
//
// Luma frames are piped to ffmpeg which sends the H264 stream back over
// RTP on a loopback port.
package ffmpegenc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"sensormux/pkg/capture"
	"sensormux/pkg/encoder/rtpenc"
	"sensormux/pkg/ffmpeg"
	"sensormux/pkg/log"
)

// Errors.
var (
	ErrInvalidFormat = errors.New("invalid format")
	ErrFrameSize     = errors.New("frame size does not match encoder")
)

const (
	defaultPayloadType  = 96
	frameQueueSize      = 8
	defaultCloseTimeout = 5 * time.Second
)

// Config ffmpeg encoder configuration.
type Config struct {
	Bin string

	// Extra ffmpeg output options.
	OutputOptions string

	Logger *log.Logger

	// How long Close waits for ffmpeg to read the queued
	// frames before the process is stopped.
	CloseTimeout time.Duration

	// Used for mocking.
	NewProcess ffmpeg.NewProcessFunc
}

// Factory creates ffmpeg encoders.
type Factory struct {
	config Config
}

// NewFactory returns a factory.
func NewFactory(c Config) *Factory {
	if c.Logger == nil {
		c.Logger = log.NewDummyLogger()
	}
	if c.NewProcess == nil {
		c.NewProcess = ffmpeg.NewProcess
	}
	if c.Bin == "" {
		c.Bin = "ffmpeg"
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	return &Factory{config: c}
}

// NewEncoder implements capture.EncoderFactory.
func (f *Factory) NewEncoder(width, height, fps int) (capture.Encoder, error) {
	if width <= 0 || height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("%w: %dx%d@%d", ErrInvalidFormat, width, height, fps)
	}
	logger := f.config.Logger

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	args := ffmpeg.EncodeArgs{
		Width:         width,
		Height:        height,
		FPS:           fps,
		OutputOptions: f.config.OutputOptions,
		Output:        "rtp://" + conn.LocalAddr().String(),
		PayloadType:   defaultPayloadType,
	}
	cmd := ffmpeg.New(f.config.Bin).Command(args.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stdin: %w", err)
	}

	process := f.config.NewProcess(cmd)
	process.SetPrefix("ffmpeg: ")
	process.SetStderrLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Encoder{
		receiver: rtpenc.NewReceiver(conn, rtpenc.Params{PayloadType: defaultPayloadType}, logger),
		logger:   logger,
		width:    width,
		height:   height,
		stdin:    stdin,
		frames:   make(chan []byte, frameQueueSize),

		closeTimeout: f.config.CloseTimeout,
		cancel:       cancel,
		written:      make(chan struct{}),
		exited:       make(chan struct{}),
	}

	go func() {
		defer close(e.exited)
		logger.Info().Src("encoder").Msgf("starting ffmpeg: %dx%d@%d", width, height, fps)
		if err := process.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Src("encoder").Msgf("ffmpeg: %v", err)
		}
	}()
	go e.writeLoop()

	return e, nil
}

// Encoder pipes frames to ffmpeg.
type Encoder struct {
	receiver *rtpenc.Receiver
	logger   *log.Logger
	width    int
	height   int

	stdin  io.WriteCloser
	frames chan []byte

	timeBase    float64
	hasTimeBase bool
	closed      bool
	mu          sync.Mutex

	closeTimeout time.Duration
	cancel       context.CancelFunc
	written      chan struct{}
	exited       chan struct{}
}

// Addr returns the local RTP address.
func (e *Encoder) Addr() net.Addr {
	return e.receiver.Addr()
}

// EncodeFrame implements capture.Encoder.
func (e *Encoder) EncodeFrame(timestamp float64, frame *capture.Frame) {
	var img capture.ImageBuffer
	if frame != nil {
		img = frame.Image
	}
	buf, err := packLuma(img, e.width, e.height)
	if err != nil {
		e.logger.Debug().Src("encoder").Msgf("frame: %v", err)
		e.receiver.Drop()
		return
	}
	if !e.queue(timestamp, buf) {
		e.receiver.Drop()
	}
}

// queue returns false if the queue is full.
func (e *Encoder) queue(timestamp float64, buf []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return true
	}
	if !e.hasTimeBase {
		e.timeBase = timestamp
		e.hasTimeBase = true
	}
	select {
	case e.frames <- buf:
		return true
	default:
		return false
	}
}

func (e *Encoder) getTimeBase() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeBase
}

// SetHandler implements capture.Encoder.
// Sample timestamps are relative to the first encoded frame.
func (e *Encoder) SetHandler(h capture.EncoderHandler) {
	if h == nil {
		e.receiver.SetHandler(nil)
		return
	}
	e.receiver.SetHandler(offsetHandler{h: h, e: e})
}

// Close stops ffmpeg after the queued frames are written. If ffmpeg
// stops reading stdin, the process is stopped after the close timeout.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.frames)
	e.mu.Unlock()

	select {
	case <-e.written:
	case <-time.After(e.closeTimeout):
		e.logger.Warn().Src("encoder").Msg("ffmpeg is not reading frames, stopping it")
		e.cancel()
		e.stdin.Close()
		<-e.written
	}
	e.cancel()
	<-e.exited
	return e.receiver.Close()
}

func (e *Encoder) writeLoop() {
	defer close(e.written)
	defer e.stdin.Close()
	failed := false
	for buf := range e.frames {
		if failed {
			continue
		}
		if _, err := e.stdin.Write(buf); err != nil {
			e.logger.Error().Src("encoder").Msgf("write frame: %v", err)
			failed = true
		}
	}
}

type offsetHandler struct {
	h capture.EncoderHandler
	e *Encoder
}

func (o offsetHandler) OnSample(timestamp float64, sample *capture.Sample) {
	o.h.OnSample(o.e.getTimeBase()+timestamp, sample)
}

func (o offsetHandler) OnDrop() {
	o.h.OnDrop()
}

// packLuma copies the first plane without row padding.
func packLuma(img capture.ImageBuffer, width, height int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: missing image", ErrFrameSize)
	}
	if img.Width() != width || img.Height() != height {
		return nil, fmt.Errorf("%w: %dx%d, expected %dx%d",
			ErrFrameSize, img.Width(), img.Height(), width, height)
	}
	if err := img.Lock(); err != nil {
		return nil, err
	}
	defer img.Unlock()

	stride := img.BytesPerRow(0)
	plane := img.BaseAddress(0)
	if stride < width || len(plane) < stride*(height-1)+width {
		return nil, fmt.Errorf("%w: plane too short", ErrFrameSize)
	}

	buf := make([]byte, width*height)
	for y := 0; y < height; y++ {
		copy(buf[y*width:(y+1)*width], plane[y*stride:])
	}
	return buf, nil
}
