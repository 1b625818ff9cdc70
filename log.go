package revdb

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogLevel filters the diagnostic lines the engine emits.
type LogLevel int32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
	LogNone
)

var (
	logLevel atomic.Int32
	logSink  atomic.Pointer[slog.Logger]
)

func init() {
	logLevel.Store(int32(LogWarning))
}

// SetLogger replaces the process-wide log sink. A nil logger restores
// slog.Default().
func SetLogger(l *slog.Logger) {
	logSink.Store(l)
}

// SetLogLevel sets the minimum level of lines written to the sink.
func SetLogLevel(level LogLevel) {
	logLevel.Store(int32(level))
}

func CurrentLogLevel() LogLevel {
	return LogLevel(logLevel.Load())
}

func logEnabled(level LogLevel) bool {
	return int32(level) >= logLevel.Load()
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogInfo:
		return slog.LevelInfo
	case LogWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func logger() *slog.Logger {
	if l := logSink.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func logAt(level LogLevel, msg string, attrs ...slog.Attr) {
	if !logEnabled(level) {
		return
	}
	logger().LogAttrs(context.Background(), level.slogLevel(), msg, attrs...)
}

func logDebug(msg string, attrs ...slog.Attr) { logAt(LogDebug, msg, attrs...) }
func logInfo(msg string, attrs ...slog.Attr)  { logAt(LogInfo, msg, attrs...) }
func logWarn(msg string, attrs ...slog.Attr)  { logAt(LogWarning, msg, attrs...) }
func logError(msg string, attrs ...slog.Attr) { logAt(LogError, msg, attrs...) }
