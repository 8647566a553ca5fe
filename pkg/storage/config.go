// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Encoder kinds.
const (
	EncoderNone   = "none"
	EncoderRTP    = "rtp"
	EncoderFFmpeg = "ffmpeg"
)

// Output kinds.
const (
	OutputFile      = "file"
	OutputTCP       = "tcp"
	OutputWebSocket = "websocket"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port      int    `yaml:"port"`
	FFmpegBin string `yaml:"ffmpegBin"`

	StorageDir string `yaml:"storageDir"`
	HomeDir    string `yaml:"homeDir"`
	ConfigDir  string `yaml:"-"`

	Camera  CameraConfig  `yaml:"camera"`
	Motion  MotionConfig  `yaml:"motion"`
	Encoder EncoderConfig `yaml:"encoder"`

	// Forced if there is no encoder.
	SaveRawImage bool `yaml:"saveRawImage"`

	Outputs []OutputConfig `yaml:"outputs"`

	Auth AuthConfig `yaml:"auth"`

	// Captures disk usage limit in GB, zero disables purging.
	MaxDiskUsage float64 `yaml:"maxDiskUsage"`

	// Cron schedule of the capture purge.
	PurgeSchedule string `yaml:"purgeSchedule"`
}

// DefaultPurgeSchedule .
const DefaultPurgeSchedule = "@every 10m"

// CameraConfig synthetic camera.
type CameraConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// MotionConfig motion source. Zero interval disables motion.
type MotionConfig struct {
	UpdateInterval time.Duration `yaml:"updateInterval"`
}

// EncoderConfig video encoder.
type EncoderConfig struct {
	Kind string `yaml:"kind"`

	// RTP listen address.
	Address string `yaml:"address"`

	// Optional SDP file of the external encoder.
	SDPPath string `yaml:"sdp"`

	// Extra ffmpeg output options.
	OutputOptions string `yaml:"outputOptions"`
}

// OutputConfig output sink.
type OutputConfig struct {
	Kind string `yaml:"kind"`

	// File sinks. Empty path writes a new file to the captures directory.
	Path string `yaml:"path"`

	// TCP sinks.
	Address string `yaml:"address"`
}

// AuthConfig basic auth, empty username disables authentication.
type AuthConfig struct {
	Username string `yaml:"username"`

	// Bcrypt hash.
	PasswordHash string `yaml:"passwordHash"`
}

// Config errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrInvalidValue    = errors.New("invalid value")
)

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) { //nolint:funlen,gocognit
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2020
	}
	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "storage")
	}
	if env.Camera.Width == 0 {
		env.Camera.Width = 640
	}
	if env.Camera.Height == 0 {
		env.Camera.Height = 480
	}
	if env.Camera.FPS == 0 {
		env.Camera.FPS = 30
	}
	if env.Encoder.Kind == "" {
		env.Encoder.Kind = EncoderNone
	}
	if env.PurgeSchedule == "" {
		env.PurgeSchedule = DefaultPurgeSchedule
	}
	if len(env.Outputs) == 0 {
		env.Outputs = []OutputConfig{{Kind: OutputFile}}
	}

	if env.Camera.Width < 0 || env.Camera.Height < 0 || env.Camera.FPS < 0 {
		return nil, fmt.Errorf("camera: %w: %+v", ErrInvalidValue, env.Camera)
	}
	if env.Motion.UpdateInterval < 0 {
		return nil, fmt.Errorf("motion.updateInterval: %w: %v", ErrInvalidValue, env.Motion.UpdateInterval)
	}
	if env.MaxDiskUsage < 0 {
		return nil, fmt.Errorf("maxDiskUsage: %w: %v", ErrInvalidValue, env.MaxDiskUsage)
	}
	if _, err := cron.ParseStandard(env.PurgeSchedule); err != nil {
		return nil, fmt.Errorf("purgeSchedule: %w: %v", ErrInvalidValue, err)
	}

	switch env.Encoder.Kind {
	case EncoderNone:
	case EncoderRTP:
		if env.Encoder.Address == "" {
			return nil, fmt.Errorf("encoder.address: %w: empty", ErrInvalidValue)
		}
	case EncoderFFmpeg:
		if !filepath.IsAbs(env.FFmpegBin) {
			return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
		}
		if !dirExist(env.FFmpegBin) {
			return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, os.ErrNotExist)
		}
	default:
		return nil, fmt.Errorf("encoder.kind: %w: %v", ErrInvalidValue, env.Encoder.Kind)
	}

	for i, output := range env.Outputs {
		switch output.Kind {
		case OutputFile:
			if output.Path != "" && !filepath.IsAbs(output.Path) {
				return nil, fmt.Errorf("outputs[%d].path '%v': %w", i, output.Path, ErrPathNotAbsolute)
			}
		case OutputTCP:
			if output.Address == "" {
				return nil, fmt.Errorf("outputs[%d].address: %w: empty", i, ErrInvalidValue)
			}
		case OutputWebSocket:
		default:
			return nil, fmt.Errorf("outputs[%d].kind: %w: %v", i, ErrInvalidValue, output.Kind)
		}
	}

	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir '%v': %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

// CapturesDir return captures directory.
func (env ConfigEnv) CapturesDir() string {
	return filepath.Join(env.StorageDir, "captures")
}

// LogDBPath return log database path.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.CapturesDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create captures directory: %v: %w", env.StorageDir, err)
	}
	return nil
}

func dirExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
