// SPDX-License-Identifier: GPL-2.0-or-later

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// UnixMicro microseconds since the unix epoch.
type UnixMicro uint64

// Entry log entry.
type Entry struct {
	Level Level     `json:"level"`
	Time  UnixMicro `json:"time"`
	Src   string    `json:"src"`
	Msg   string    `json:"msg"`
}

// Event defines log event.
type Event struct {
	level Level
	time  UnixMicro
	src   string

	logger *Logger
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	e.logger.log(Entry{
		Level: e.level,
		Time:  e.time,
		Src:   e.src,
		Msg:   msg,
	})
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Feed defines feed of logs.
type Feed <-chan Entry
type logFeed chan Entry

// Logger logs.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	sources []string

	// Ctx is canceled when the logger stops.
	Ctx context.Context
	wg  *sync.WaitGroup
}

// NewLogger returns a new logger. Start must be called before any events are sent.
func NewLogger(wg *sync.WaitGroup, sources []string) *Logger {
	defaultSources := []string{"app", "pipeline", "camera", "motion", "encoder", "sink", "storage"}
	return &Logger{
		feed:    make(logFeed),
		sub:     make(chan logFeed),
		unsub:   make(chan logFeed),
		sources: mergeSources(defaultSources, sources),
		wg:      wg,
	}
}

// NewDummyLogger returns a started logger without subscribers, used for testing.
func NewDummyLogger() *Logger {
	l := NewLogger(&sync.WaitGroup{}, nil)
	l.Start(context.Background())
	return l
}

func mergeSources(a []string, b []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, src := range append(append([]string{}, a...), b...) {
		if _, exist := seen[src]; exist {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.Ctx = ctx
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					ch <- entry
				}
			}
		}
	}()
}

func (l *Logger) log(entry Entry) {
	select {
	case l.feed <- entry:
	case <-l.Ctx.Done():
	}
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(logFeed)
	select {
	case l.sub <- feed:
	case <-l.Ctx.Done():
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.Ctx.Done():
			return
		}
	}
}

// Sources returns the known log sources.
func (l *Logger) Sources() []string {
	return l.sources
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry, ok := <-feed:
			if !ok {
				return
			}
			fmt.Fprintln(color.Output, colorEntry(entry))
		case <-ctx.Done():
			return
		}
	}
}

// Colors are disabled when stdout is not a terminal.
var levelColors = map[Level]*color.Color{
	LevelError:   color.New(color.FgRed),
	LevelWarning: color.New(color.FgYellow),
	LevelDebug:   color.New(color.Faint),
}

func colorEntry(entry Entry) string {
	c, exist := levelColors[entry.Level]
	if !exist {
		return formatEntry(entry)
	}
	return c.Sprint(formatEntry(entry))
}

func formatEntry(entry Entry) string {
	var output string

	switch entry.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if entry.Src != "" {
		output += strings.ToUpper(entry.Src[:1]) + entry.Src[1:] + ": "
	}

	return output + entry.Msg
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}

// LevelInLevels returns true if level is in levels or if levels is empty.
func LevelInLevels(level Level, levels []Level) bool {
	if len(levels) == 0 {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

// StringInStrings returns true if str is in strs or if strs is empty.
func StringInStrings(str string, strs []string) bool {
	if len(strs) == 0 {
		return true
	}
	for _, s := range strs {
		if s == str {
			return true
		}
	}
	return false
}
