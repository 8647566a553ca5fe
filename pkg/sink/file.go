// SPDX-License-Identifier: GPL-2.0-or-later

package sink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sensormux/pkg/log"
)

// File writes records to a file that is truncated on open.
type File struct {
	path   string
	file   *os.File
	w      *bufio.Writer
	logger *log.Logger

	// Only the first write error is logged.
	failed bool
	mu     sync.Mutex
}

// NewFile creates or truncates the file at path.
func NewFile(path string, logger *log.Logger) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("make directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &File{
		path:   path,
		file:   file,
		w:      bufio.NewWriter(file),
		logger: logger,
	}, nil
}

// OnData implements Sink.
func (f *File) OnData(buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil || f.failed {
		return
	}
	if _, err := f.w.Write(buf); err != nil {
		f.failed = true
		f.logger.Error().Src("sink").Msgf("%v: write: %v", f.Label(), err)
	}
}

// OnDrop implements Sink.
func (f *File) OnDrop() {}

// Label implements Sink.
func (f *File) Label() string {
	return "file:" + f.path
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Flush writes buffered records to the file.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.w.Flush()
}

// Close flushes and closes the file, later records are discarded.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.w.Flush()
	if err2 := f.file.Close(); err == nil {
		err = err2
	}
	f.file = nil
	return err
}
