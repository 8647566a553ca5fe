// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmpeg runs ffmpeg subprocesses.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"sensormux/pkg/log"
)

// Process interface only used for testing.
type Process interface {
	Start(ctx context.Context) error
	SetTimeout(time.Duration)
	SetPrefix(string)
	SetStdoutLogger(*log.Logger)
	SetStderrLogger(*log.Logger)
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	prefix       string
	stdoutLogger *log.Logger
	stderrLogger *log.Logger

	// Pipes must be drained before Wait.
	logWG sync.WaitGroup

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return &process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

func (p *process) attachLogger(l *log.Logger, label string, stdPipe func() (io.ReadCloser, error)) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(pipe)
	p.logWG.Add(1)
	go func() {
		defer p.logWG.Done()
		for scanner.Scan() {
			l.Debug().Src("encoder").Msgf("%v%v: %v", p.prefix, label, scanner.Text())
		}
	}()
	return nil
}

// Start starts the process and blocks until it exits.
// The process is interrupted when ctx is canceled.
func (p *process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		if err := p.attachLogger(p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.done = make(chan struct{})

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stop()
		}
	}()

	p.logWG.Wait()
	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg returns 255 on interrupt.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}
	return err
}

// exec.CommandContext is not used since it kills the
// process before it has a chance to exit on its own.
func (p *process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

func (p *process) SetTimeout(timeout time.Duration) {
	p.timeout = timeout
}

func (p *process) SetPrefix(prefix string) {
	p.prefix = prefix
}

func (p *process) SetStdoutLogger(l *log.Logger) {
	p.stdoutLogger = l
}

func (p *process) SetStderrLogger(l *log.Logger) {
	p.stderrLogger = l
}

// FFMPEG stores ffmpeg binary location.
type FFMPEG struct {
	bin string
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	return &FFMPEG{bin: bin}
}

// Command returns a command for the ffmpeg binary.
func (f *FFMPEG) Command(args ...string) *exec.Cmd {
	return exec.Command(f.bin, args...)
}

// EncodeArgs describes a raw to H264 RTP encode.
type EncodeArgs struct {
	Width  int
	Height int
	FPS    int

	// Input pixel format, "gray" for 8bit luma.
	PixelFormat string

	// Extra output options, split on spaces.
	OutputOptions string

	// rtp://host:port
	Output string

	PayloadType uint8
}

// Args returns the ffmpeg arguments. Raw frames are read from stdin, the
// parameter sets are repeated in-band before every keyframe.
func (a EncodeArgs) Args() []string {
	pixFmt := a.PixelFormat
	if pixFmt == "" {
		pixFmt = "gray"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-video_size", fmt.Sprintf("%dx%d", a.Width, a.Height),
		"-framerate", strconv.Itoa(a.FPS),
		"-i", "-",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(a.FPS),
		"-bsf:v", "dump_extra=freq=keyframe",
	}
	if opts := strings.TrimSpace(a.OutputOptions); opts != "" {
		args = append(args, ParseArgs(opts)...)
	}
	if a.PayloadType != 0 {
		args = append(args, "-payload_type", strconv.Itoa(int(a.PayloadType)))
	}
	return append(args, "-f", "rtp", a.Output)
}

// ParseArgs slices arguments.
func ParseArgs(args string) []string {
	return strings.Fields(args)
}
