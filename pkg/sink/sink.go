// SPDX-License-Identifier: GPL-2.0-or-later

// Package sink implements the output sinks that consume encoded records.
package sink

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Sink consumes records and drop notifications.
// Errors are handled by the sink itself and never returned.
type Sink interface {
	// OnData is called with one complete record, buf must not be retained
	// after the call returns unless copied.
	OnData(buf []byte)

	// OnDrop is called when a record could not be produced.
	OnDrop()

	// Label is a diagnostic name.
	Label() string
}

// Locked serializes calls to the wrapped sink.
type Locked struct {
	sink Sink
	mu   sync.Mutex
}

// NewLocked returns a sink that is safe for concurrent use.
func NewLocked(sink Sink) *Locked {
	return &Locked{sink: sink}
}

// OnData implements Sink.
func (s *Locked) OnData(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.OnData(buf)
}

// OnDrop implements Sink.
func (s *Locked) OnDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.OnDrop()
}

// Label implements Sink.
func (s *Locked) Label() string {
	return s.sink.Label()
}

// Tee forwards every call to each sink in order.
type Tee []Sink

// OnData implements Sink.
func (t Tee) OnData(buf []byte) {
	for _, s := range t {
		s.OnData(buf)
	}
}

// OnDrop implements Sink.
func (t Tee) OnDrop() {
	for _, s := range t {
		s.OnDrop()
	}
}

// Label implements Sink.
func (t Tee) Label() string {
	labels := make([]string, 0, len(t))
	for _, s := range t {
		labels = append(labels, s.Label())
	}
	return "tee(" + strings.Join(labels, ",") + ")"
}

// Counter counts records, bytes and drops.
type Counter struct {
	records atomic.Uint64
	bytes   atomic.Uint64
	drops   atomic.Uint64
}

// OnData implements Sink.
func (c *Counter) OnData(buf []byte) {
	c.records.Add(1)
	c.bytes.Add(uint64(len(buf)))
}

// OnDrop implements Sink.
func (c *Counter) OnDrop() {
	c.drops.Add(1)
}

// Label implements Sink.
func (c *Counter) Label() string {
	return "counter"
}

// Records returns the number of records.
func (c *Counter) Records() uint64 { return c.records.Load() }

// Bytes returns the total record size.
func (c *Counter) Bytes() uint64 { return c.bytes.Load() }

// Drops returns the number of drops.
func (c *Counter) Drops() uint64 { return c.drops.Load() }
