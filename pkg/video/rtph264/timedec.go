package rtph264

import (
	"time"
)

// timeDecoder converts RTP timestamps into durations
// relative to the first timestamp, handling wrap arounds.
type timeDecoder struct {
	clockRate time.Duration
	initial   bool
	prev      uint32
	overall   int64
}

func newTimeDecoder(clockRate int) *timeDecoder {
	return &timeDecoder{
		clockRate: time.Duration(clockRate),
		initial:   true,
	}
}

func (d *timeDecoder) decode(ts uint32) time.Duration {
	if d.initial {
		d.initial = false
		d.prev = ts
		return 0
	}

	// Difference is interpreted as signed to support B-frames.
	d.overall += int64(int32(ts - d.prev))
	d.prev = ts

	secs := d.overall / int64(d.clockRate)
	rem := d.overall % int64(d.clockRate)
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/d.clockRate
}
