// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := NewLogger(&sync.WaitGroup{}, []string{"custom"})
	logger.Start(ctx)
	return logger
}

func TestLogger(t *testing.T) {
	t.Run("levels", func(t *testing.T) {
		logger := newTestLogger(t)
		feed, cancel := logger.Subscribe()
		defer cancel()

		cases := []struct {
			event    func() *Event
			expected Level
		}{
			{logger.Error, LevelError},
			{logger.Warn, LevelWarning},
			{logger.Info, LevelInfo},
			{logger.Debug, LevelDebug},
		}
		for _, tc := range cases {
			t.Run(tc.expected.String(), func(t *testing.T) {
				go tc.event().Src("app").Msgf("%v", "test")
				entry := <-feed
				require.Equal(t, tc.expected, entry.Level)
				require.Equal(t, "app", entry.Src)
				require.Equal(t, "test", entry.Msg)
			})
		}
	})
	t.Run("time", func(t *testing.T) {
		logger := newTestLogger(t)
		feed, cancel := logger.Subscribe()
		defer cancel()

		go logger.Info().Time(time.Unix(1, 0)).Msg("")
		require.Equal(t, UnixMicro(1000000), (<-feed).Time)
	})
	t.Run("unsubBeforeLog", func(t *testing.T) {
		logger := newTestLogger(t)

		feed1, cancel1 := logger.Subscribe()
		feed2, cancel2 := logger.Subscribe()
		cancel2()

		go logger.Info().Msg("test")
		require.Equal(t, "test", (<-feed1).Msg)
		cancel1()

		_, ok := <-feed2
		require.False(t, ok)
	})
	t.Run("unsubAfterLog", func(t *testing.T) {
		logger := newTestLogger(t)
		feed, cancel := logger.Subscribe()

		go logger.Info().Msg("test")
		go logger.Info().Msg("test")
		time.Sleep(10 * time.Microsecond)
		cancel()

		// The feed is drained and closed by the unsubscribe.
		for range feed {
		}
	})
	t.Run("stopped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		logger := NewLogger(wg, nil)
		logger.Start(ctx)
		cancel()
		wg.Wait()

		// Must not block after the logger is stopped.
		logger.Error().Msg("test")
		feed, _ := logger.Subscribe()
		_, ok := <-feed
		require.False(t, ok)
	})
}

func TestSources(t *testing.T) {
	logger := NewLogger(&sync.WaitGroup{}, []string{"custom", "app"})
	require.Equal(t, []string{
		"app", "camera", "custom", "encoder", "motion", "pipeline", "sink", "storage",
	}, logger.Sources())
}

func TestFormatEntry(t *testing.T) {
	cases := []struct {
		input    Entry
		expected string
	}{
		{Entry{Level: LevelError, Src: "app", Msg: "a"}, "[ERROR] App: a"},
		{Entry{Level: LevelWarning, Src: "sink", Msg: "b"}, "[WARNING] Sink: b"},
		{Entry{Level: LevelInfo, Msg: "c"}, "[INFO] c"},
		{Entry{Level: LevelDebug, Src: "pipeline", Msg: "d"}, "[DEBUG] Pipeline: d"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, formatEntry(tc.input))
	}
}

func TestColorEntry(t *testing.T) {
	if os.Getenv("NO_COLOR") != "" {
		t.Skip("NO_COLOR is set")
	}
	noColor := color.NoColor
	defer func() { color.NoColor = noColor }()

	info := Entry{Level: LevelInfo, Src: "app", Msg: "a"}
	errEntry := Entry{Level: LevelError, Src: "app", Msg: "a"}

	color.NoColor = true
	require.Equal(t, "[ERROR] App: a", colorEntry(errEntry))

	color.NoColor = false
	require.Equal(t, "[INFO] App: a", colorEntry(info))
	colored := colorEntry(errEntry)
	require.True(t, strings.HasPrefix(colored, "\x1b[31m[ERROR] App: a"), colored)
}
