// SPDX-License-Identifier: GPL-2.0-or-later

// Package rtpenc receives H264 access units from an external encoder over RTP.
package rtpenc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"sensormux/pkg/capture"
	"sensormux/pkg/log"
	"sensormux/pkg/video/h264"
	"sensormux/pkg/video/rtph264"

	"github.com/pion/rtp"
)

// Errors.
var (
	ErrResolutionMismatch = errors.New("stream resolution does not match camera")
	ErrInvalidSPS         = errors.New("invalid SPS")
)

// maxPacketSize is larger than any UDP datagram.
const maxPacketSize = 1 << 16

// Config external encoder configuration.
type Config struct {
	// UDP address to receive RTP packets on.
	Address string

	// Optional SDP file describing the stream.
	SDPPath string

	Logger *log.Logger
}

// Factory creates encoders that listen on the configured address.
type Factory struct {
	config Config
}

// NewFactory returns a factory.
func NewFactory(c Config) *Factory {
	if c.Logger == nil {
		c.Logger = log.NewDummyLogger()
	}
	return &Factory{config: c}
}

// NewEncoder implements capture.EncoderFactory. The stream
// resolution is checked if the SDP carries a SPS.
func (f *Factory) NewEncoder(width, height, fps int) (capture.Encoder, error) {
	var params Params
	if f.config.SDPPath != "" {
		buf, err := os.ReadFile(f.config.SDPPath)
		if err != nil {
			return nil, fmt.Errorf("read sdp: %w", err)
		}
		if params, err = ParseSDP(buf); err != nil {
			return nil, fmt.Errorf("parse sdp: %w", err)
		}
		if err := CheckResolution(params.SPS, width, height); err != nil {
			return nil, err
		}
	}

	conn, err := net.ListenPacket("udp", f.config.Address)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	f.config.Logger.Info().Src("encoder").
		Msgf("receiving RTP on %v, %dx%d@%d", conn.LocalAddr(), width, height, fps)

	return NewReceiver(conn, params, f.config.Logger), nil
}

// CheckResolution returns an error if the SPS describes
// another resolution. A missing SPS is not checked.
func CheckResolution(buf []byte, width, height int) error {
	if len(buf) == 0 {
		return nil
	}
	var sps h264.SPS
	if err := sps.Unmarshal(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSPS, err)
	}
	if sps.Width() != width || sps.Height() != height {
		return fmt.Errorf("%w: %dx%d, camera %dx%d",
			ErrResolutionMismatch, sps.Width(), sps.Height(), width, height)
	}
	return nil
}

// Receiver decodes RTP packets from a connection into samples.
type Receiver struct {
	conn    net.PacketConn
	logger  *log.Logger
	decoder *rtph264.Decoder

	payloadType uint8
	sps         []byte
	pps         []byte

	handler capture.EncoderHandler
	mu      sync.RWMutex

	done chan struct{}
}

// NewReceiver starts reading packets from conn until Close is called.
// A zero payload type accepts any payload type.
func NewReceiver(conn net.PacketConn, params Params, logger *log.Logger) *Receiver {
	r := &Receiver{
		conn:        conn,
		logger:      logger,
		decoder:     rtph264.NewDecoder(),
		payloadType: params.PayloadType,
		sps:         params.SPS,
		pps:         params.PPS,
		done:        make(chan struct{}),
	}
	go r.readLoop()
	return r
}

// Addr returns the local address.
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// EncodeFrame implements capture.Encoder.
// The external encoder reads the camera directly.
func (r *Receiver) EncodeFrame(float64, *capture.Frame) {}

// SetHandler implements capture.Encoder.
func (r *Receiver) SetHandler(h capture.EncoderHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Close implements capture.Encoder.
func (r *Receiver) Close() error {
	err := r.conn.Close()
	<-r.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (r *Receiver) readLoop() {
	defer close(r.done)
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logger.Error().Src("encoder").Msgf("read: %v", err)
			}
			return
		}
		r.handlePacket(buf[:n])
	}
}

// handlePacket buf is reused by the caller.
func (r *Receiver) handlePacket(buf []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(append([]byte(nil), buf...)); err != nil {
		r.logger.Debug().Src("encoder").Msgf("invalid RTP packet: %v", err)
		return
	}
	if r.payloadType != 0 && pkt.PayloadType != r.payloadType {
		return
	}

	nalus, pts, err := r.decoder.DecodeUntilMarker(&pkt)
	if err != nil {
		if errors.Is(err, rtph264.ErrMorePacketsNeeded) {
			return
		}
		r.logger.Debug().Src("encoder").Msgf("decode: %v", err)
		r.Drop()
		return
	}
	r.handleAccessUnit(pts.Seconds(), nalus)
}

// handleAccessUnit moves in-band parameter sets into the format description.
func (r *Receiver) handleAccessUnit(timestamp float64, nalus [][]byte) {
	filtered := make([][]byte, 0, len(nalus))
	for _, nalu := range nalus {
		switch h264.TypeOf(nalu) {
		case h264.NALUTypeSPS:
			r.sps = nalu
		case h264.NALUTypePPS:
			r.pps = nalu
		case h264.NALUTypeAccessUnitDelimiter:
		default:
			filtered = append(filtered, nalu)
		}
	}
	if len(filtered) == 0 {
		return
	}

	sample := &capture.Sample{
		Attachments: capture.NotSync(!h264.IDRPresent(filtered)),
		Format:      capture.ParameterSets{SPS: r.sps, PPS: r.pps},
		Data:        capture.NewSliceBuffer(h264.AVCCMarshal(filtered)),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.handler != nil {
		r.handler.OnSample(timestamp, sample)
	}
}

// Drop reports a dropped frame to the handler.
func (r *Receiver) Drop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.handler != nil {
		r.handler.OnDrop()
	}
}
