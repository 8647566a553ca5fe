// SPDX-License-Identifier: GPL-2.0-or-later

// Package watchdog warns when an attached capture source stops sending events.
package watchdog

import (
	"context"
	"time"

	"sensormux"
	"sensormux/pkg/capture"
	"sensormux/pkg/log"
	"sensormux/pkg/pipeline"
	"sensormux/pkg/storage"
)

func init() {
	var addon struct {
		env      *storage.ConfigEnv
		log      *log.Logger
		pipeline *pipeline.Multiplexer
	}

	sensormux.RegisterEnvHook(func(env *storage.ConfigEnv) {
		addon.env = env
	})
	sensormux.RegisterLogHook(func(l *log.Logger) {
		addon.log = l
	})
	sensormux.RegisterPipelineHook(func(m *pipeline.Multiplexer) {
		addon.pipeline = m
	})
	sensormux.RegisterAppRunHook(func(ctx context.Context) error {
		d := newWatchdog(expectedSources(*addon.env), addon.pipeline.Stats, addon.log)
		go d.run(ctx)
		return nil
	})
}

const defaultInterval = 10 * time.Second

func expectedSources(env storage.ConfigEnv) []capture.Source {
	sources := []capture.Source{capture.SourceCamera}
	if env.Encoder.Kind != storage.EncoderNone {
		sources = append(sources, capture.SourceEncoder)
	}
	if env.Motion.UpdateInterval != 0 {
		sources = append(sources, capture.SourceMotion)
	}
	return sources
}

type logFunc func(level log.Level, format string, a ...interface{})

type watchdog struct {
	sources  []capture.Source
	interval time.Duration
	stats    func() pipeline.Stats
	now      func() time.Time

	start  time.Time
	silent map[capture.Source]bool

	logf logFunc
}

func newWatchdog(sources []capture.Source, stats func() pipeline.Stats, logger *log.Logger) *watchdog {
	logf := func(level log.Level, format string, a ...interface{}) {
		e := logger.Warn()
		if level == log.LevelInfo {
			e = logger.Info()
		}
		e.Src("pipeline").Msgf(format, a...)
	}
	return &watchdog{
		sources:  sources,
		interval: defaultInterval,
		stats:    stats,
		now:      time.Now,
		start:    time.Now(),
		silent:   make(map[capture.Source]bool),
		logf:     logf,
	}
}

func (d *watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.check()
		case <-ctx.Done():
			return
		}
	}
}

func (d *watchdog) check() {
	stats := d.stats()
	if stats.State != pipeline.StateAttached {
		return
	}
	now := d.now()
	for _, src := range d.sources {
		last, exist := stats.LastEvent[src]
		if !exist || last.Before(d.start) {
			last = d.start
		}
		silence := now.Sub(last)

		switch {
		case silence > d.interval && !d.silent[src]:
			d.silent[src] = true
			d.logf(log.LevelWarning, "no %v events for %v", src, silence.Round(time.Second))
		case silence <= d.interval && d.silent[src]:
			d.silent[src] = false
			d.logf(log.LevelInfo, "%v events resumed", src)
		}
	}
}
