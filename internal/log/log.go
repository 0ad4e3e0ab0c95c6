// Package log writes the rtvs debug log.
// Logging is off until Init or InitWithTeaLog is called, which the command
// line does for --debug or RTVS_DEBUG. Every entry is also published so a
// running console can show recent entries.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/microsoft/RTVS-sub005/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name such as "info", case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelDebug, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
}

// Category groups related log messages.
type Category string

const (
	CatHost     Category = "host"     // Transport loop, wire frames, correlation table
	CatSession  Category = "session"  // Session state machine and interactions
	CatBroker   Category = "broker"   // Local process launch and remote broker connections
	CatBlob     Category = "blob"     // Blob transfer
	CatProvider Category = "provider" // Session provider and broker switching
	CatDB       Category = "db"       // Database operations
	CatConfig   Category = "config"   // Configuration loading/saving
	CatWatcher  Category = "watcher"  // File watcher events
	CatCache    Category = "cache"    // cache operations
	CatCLI      Category = "cli"      // Command line front end
)

// Logger writes formatted entries to one file.
type Logger struct {
	mu       sync.Mutex
	file     io.Closer
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

var current atomic.Pointer[Logger]

// Init starts logging to path, appending. The returned function closes the
// file and turns logging off again.
func Init(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: user-chosen debug log path
	if err != nil {
		return nil, err
	}
	return install(f, f), nil
}

// InitWithTeaLog starts logging through tea.LogToFile, which also routes
// the standard library logger to the same file.
func InitWithTeaLog(path string, prefix string) (func(), error) {
	f, err := tea.LogToFile(path, prefix)
	if err != nil {
		return nil, err
	}
	return install(f, f), nil
}

// InitWriter logs to w. Used by tests.
func InitWriter(w io.Writer) func() {
	return install(w, nil)
}

func install(w io.Writer, c io.Closer) func() {
	l := &Logger{
		file:     c,
		writer:   w,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}
	if prev := current.Swap(l); prev != nil {
		prev.broker.Close()
	}
	return func() {
		if current.CompareAndSwap(l, nil) {
			l.broker.Close()
		}
		if l.file != nil {
			_ = l.file.Close()
		}
	}
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if l := current.Load(); l != nil {
		l.mu.Lock()
		l.enabled = enabled
		l.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if l := current.Load(); l != nil {
		l.mu.Lock()
		l.minLevel = level
		l.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	write(LevelError, cat, msg, fields...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	l := current.Load()
	if l == nil {
		return
	}

	l.mu.Lock()
	if !l.enabled || level < l.minLevel {
		l.mu.Unlock()
		return
	}

	// 2025-12-06T10:45:00 [ERROR] [session] message key=value key2=value2
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", time.Now().Format("2006-01-02T15:04:05"), level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	entry := b.String()

	_, _ = io.WriteString(l.writer, entry)
	l.mu.Unlock()

	l.broker.Publish(pubsub.CreatedEvent, entry)
}

// Listener hands out log entries as they are written.
type Listener = pubsub.Listener[string]

// NewListener follows the log until ctx is cancelled. It returns nil when
// logging is off.
func NewListener(ctx context.Context) *Listener {
	l := current.Load()
	if l == nil {
		return nil
	}
	return pubsub.NewListener(ctx, l.broker)
}

// Dropped returns how many entries listeners missed because they fell
// behind.
func Dropped() int64 {
	l := current.Load()
	if l == nil {
		return 0
	}
	return l.broker.Dropped()
}
