// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmock mocks ffmpeg processes.
package ffmock

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"sensormux/pkg/ffmpeg"
	"sensormux/pkg/log"
)

// ErrMock returned by failing processes.
var ErrMock = errors.New("mock")

// MockProcessConfig ProcessMocker config.
type MockProcessConfig struct {
	ReturnErr bool

	// Sleep before returning, zero waits for the context.
	Sleep time.Duration

	// OnCmd is called with the command of every new process.
	OnCmd func(*exec.Cmd)
}

// NewProcessMocker creates process mocker from config.
func NewProcessMocker(c MockProcessConfig) ffmpeg.NewProcessFunc {
	return func(cmd *exec.Cmd) ffmpeg.Process {
		if c.OnCmd != nil {
			c.OnCmd(cmd)
		}
		return mockProcess{c: c}
	}
}

type mockProcess struct {
	c MockProcessConfig
}

func (m mockProcess) Start(ctx context.Context) error {
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
		}
	} else if !m.c.ReturnErr {
		<-ctx.Done()
	}
	if m.c.ReturnErr {
		return ErrMock
	}
	return nil
}

func (m mockProcess) SetTimeout(time.Duration)    {}
func (m mockProcess) SetPrefix(string)            {}
func (m mockProcess) SetStdoutLogger(*log.Logger) {}
func (m mockProcess) SetStderrLogger(*log.Logger) {}

// NewProcess runs until canceled.
var NewProcess = NewProcessMocker(MockProcessConfig{})

// NewProcessErr returns error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{
	ReturnErr: true,
})
