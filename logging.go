package eventhandler

import (
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// LogLevel is the severity of a log entry emitted by the handler.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
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

// LogEntry is a single structured log record. Context carries the
// worker/connection identifiers relevant to tier-1 and tier-2 error
// handling (spec §7): callback failures, TLS record errors, accept
// failures, and panics.
type LogEntry struct {
	Level     LogLevel
	Category  string // "setup", "selector", "dispatch", "accept", "read", "write", "close", "tls", "housekeep"
	Tid       int
	ConnID    ConnID
	Message   string
	Err       error
	Timestamp time.Time
}

// Logger is the structured logging seam. Every tier-1 recoverable error
// (callback errors, TLS record errors, accept failures other than
// EAGAIN) and every tier-2 worker panic (spec §7) is logged through this
// interface rather than printed directly, so the application can route
// handler diagnostics into its own logging pipeline.
type Logger interface {
	Log(entry LogEntry)
	IsEnabled(level LogLevel) bool
}

// noopLogger discards everything; it is the default until WithLogger is
// used or NewLogifaceLogger is wired in by the caller.
type noopLogger struct{}

// NewNoOpLogger returns a Logger that discards all entries.
func NewNoOpLogger() Logger { return noopLogger{} }

func (noopLogger) Log(LogEntry) {}

func (noopLogger) IsEnabled(LogLevel) bool { return false }

// logifaceLogger adapts a logiface.Logger[*stumpy.Event] — the
// structured-logging facade and fast JSON backend used throughout the
// rest of this module's source monorepo — to the Logger interface.
type logifaceLogger struct {
	mu     sync.Mutex
	inner  *logiface.Logger[*stumpy.Event]
	minLvl LogLevel
}

// NewLogifaceLogger builds a Logger backed by logiface with the stumpy
// JSON writer backend. Pass stumpy.Option values (e.g.
// stumpy.WithWriter) to control where JSON lines are written; by
// default stumpy writes to os.Stderr.
func NewLogifaceLogger(minLevel LogLevel, opts ...stumpy.Option) Logger {
	l := stumpy.L.New(stumpy.L.WithStumpy(opts...))
	return &logifaceLogger{inner: l, minLvl: minLevel}
}

func (l *logifaceLogger) IsEnabled(level LogLevel) bool {
	return level >= l.minLvl
}

func (l *logifaceLogger) Log(entry LogEntry) {
	if !l.IsEnabled(entry.Level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var b *logiface.Builder[*stumpy.Event]
	switch entry.Level {
	case LevelDebug:
		b = l.inner.Debug()
	case LevelInfo:
		b = l.inner.Info()
	case LevelWarn:
		b = l.inner.Warning()
	default:
		b = l.inner.Err()
	}

	b = b.Str("category", entry.Category)
	if entry.Tid != 0 {
		b = b.Int("tid", entry.Tid)
	}
	if entry.ConnID != (ConnID{}) {
		b = b.Str("conn_id", entry.ConnID.String())
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

// logDebug/logWarn/logError are small internal helpers so call sites in
// the worker and dispatch façade don't repeat the IsEnabled/entry
// construction boilerplate.

func logDebug(l Logger, category string, tid int, id ConnID, msg string) {
	if !l.IsEnabled(LevelDebug) {
		return
	}
	l.Log(LogEntry{Level: LevelDebug, Category: category, Tid: tid, ConnID: id, Message: msg, Timestamp: time.Now()})
}

func logWarn(l Logger, category string, tid int, id ConnID, msg string, err error) {
	if !l.IsEnabled(LevelWarn) {
		return
	}
	l.Log(LogEntry{Level: LevelWarn, Category: category, Tid: tid, ConnID: id, Message: msg, Err: err, Timestamp: time.Now()})
}

func logError(l Logger, category string, tid int, id ConnID, msg string, err error) {
	if !l.IsEnabled(LevelError) {
		return
	}
	l.Log(LogEntry{Level: LevelError, Category: category, Tid: tid, ConnID: id, Message: msg, Err: err, Timestamp: time.Now()})
}
