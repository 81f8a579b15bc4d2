// Package logging provides the size-bounded rotating log sink shared by
// every component and by client-forwarded log entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a --log-level value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Sink is the process-wide log destination: a rotating core.log capped at
// one backup file. All component loggers write through one Sink so lines
// interleave in timestamp order.
type Sink struct {
	mu    sync.Mutex
	out   io.WriteCloser
	level Level
	now   func() time.Time
}

// NewSink creates a sink writing to <dir>/core.log, rotating when the file
// exceeds 1 MiB and keeping a single older file.
func NewSink(dir string, level Level) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	return &Sink{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "core.log"),
			MaxSize:    1, // megabytes
			MaxBackups: 1,
		},
		level: level,
		now:   time.Now,
	}, nil
}

// NewTestSink returns a sink writing to w, for tests.
func NewTestSink(w io.Writer, level Level) *Sink {
	return &Sink{out: nopCloser{w}, level: level, now: time.Now}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

func (s *Sink) write(level Level, tag, line string) {
	if level < s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(s.out, "%s %-5s %s%s\n", ts, level, tag, line)
}

// ClientEntry writes a log line forwarded by the UI client.
func (s *Sink) ClientEntry(level, source, category, msg, detail string) {
	lv, err := ParseLevel(level)
	if err != nil {
		lv = LevelInfo
	}
	line := source
	if category != "" {
		line += "/" + category
	}
	line += ": " + msg
	if detail != "" {
		line += " (" + detail + ")"
	}
	s.write(lv, "[client] ", line)
}

// Logger is a component-scoped view of the sink with a bracketed prefix.
type Logger struct {
	sink *Sink
	tag  string
}

// Component returns a logger whose lines carry "[name] ".
func (s *Sink) Component(name string) *Logger {
	return &Logger{sink: s, tag: "[" + name + "] "}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.sink.write(LevelDebug, l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.sink.write(LevelInfo, l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.sink.write(LevelWarn, l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.sink.write(LevelError, l.tag, fmt.Sprintf(format, args...))
}
