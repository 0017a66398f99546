package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Level is the logger verbosity threshold.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is a small leveled wrapper over the stdlib log package. The level is
// mutable at runtime so the operator API can raise verbosity on a live agent.
type Logger struct {
	level atomic.Int32
	std   *log.Logger
}

// New creates a logger writing to stderr at the given level.
func New(level Level) *Logger {
	l := &Logger{std: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
	l.level.Store(int32(level))
	return l
}

// ParseLevel maps a level name to a Level. Unknown names default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LevelName returns the canonical name of the current level.
func (l *Logger) LevelName() string {
	switch Level(l.level.Load()) {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// SetLevel changes the verbosity threshold.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// UseFile redirects output to an append-only log file, creating parent
// directories as needed. On any failure the logger keeps writing to stderr
// and returns a no-op cleanup.
func (l *Logger) UseFile(path string) func() {
	if path == "" {
		return func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		l.Warnf("logging: cannot create log directory: %v", err)
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.Warnf("logging: cannot open log file: %v", err)
		return func() {}
	}
	l.std.SetOutput(f)
	return func() { _ = f.Close() }
}

func (l *Logger) logf(level Level, prefix, format string, args ...any) {
	if Level(l.level.Load()) > level {
		return
	}
	l.std.Output(3, prefix+" "+fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, "DEBUG", format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) { l.logf(LevelInfo, "INFO", format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) { l.logf(LevelWarn, "WARN", format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, "ERROR", format, args...) }
