// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"time"

	"sensormux/pkg/capture"
	"sensormux/pkg/record"
)

type stats struct {
	records   map[record.Tag]uint64
	bytes     uint64
	drops     uint64
	ignored   uint64
	lastEvent map[capture.Source]time.Time
}

func newStats() stats {
	return stats{
		records:   make(map[record.Tag]uint64),
		lastEvent: make(map[capture.Source]time.Time),
	}
}

// Stats multiplexer counters.
type Stats struct {
	State State `json:"state"`

	// Records per tag.
	PerTag map[string]uint64 `json:"records"`

	Bytes uint64 `json:"bytes"`
	Drops uint64 `json:"drops"`

	// Device motion and location events.
	Ignored uint64 `json:"ignored"`

	// Time of the last event per source, zero if none.
	LastEvent map[capture.Source]time.Time `json:"lastEvent"`
}

// Records returns the total record count.
func (s Stats) Records() uint64 {
	var total uint64
	for _, n := range s.PerTag {
		total += n
	}
	return total
}

// Stats returns a snapshot of the counters.
func (m *Multiplexer) Stats() Stats {
	state := m.State()

	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()

	s := Stats{
		State:     state,
		PerTag:    make(map[string]uint64, len(m.stats.records)),
		Bytes:     m.stats.bytes,
		Drops:     m.stats.drops,
		Ignored:   m.stats.ignored,
		LastEvent: make(map[capture.Source]time.Time, len(m.stats.lastEvent)),
	}
	for tag, n := range m.stats.records {
		s.PerTag[tag.String()] = n
	}
	for src, t := range m.stats.lastEvent {
		s.LastEvent[src] = t
	}
	return s
}
