// Package logger is the process-wide structured logger. Entries are JSON
// lines written by zerolog; key/value pairs are passed the same way at every
// call site: logger.Info("msg", "campaign_id", id, "err", err).
package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var zerologLevels = map[Level]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger wraps a zerolog.Logger with optional PII redaction.
type Logger struct {
	zl        zerolog.Logger
	redactPII *atomic.Bool
}

var defaultLogger = newLogger(os.Stdout)

func newLogger(w io.Writer) *Logger {
	redact := &atomic.Bool{}
	redact.Store(true)
	return &Logger{
		zl:        zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel),
		redactPII: redact,
	}
}

// SetOutput redirects the default logger. Tests use it to capture entries.
func SetOutput(w io.Writer) {
	l := newLogger(w)
	l.zl = l.zl.Level(defaultLogger.zl.GetLevel())
	l.redactPII.Store(defaultLogger.redactPII.Load())
	defaultLogger = l
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.zl = defaultLogger.zl.Level(zerologLevels[l]) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII.Store(r) }

// Default returns the process logger.
func Default() *Logger { return defaultLogger }

// With returns a child of the default logger carrying the given fields on
// every entry.
func With(fields ...interface{}) *Logger { return defaultLogger.With(fields...) }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.Debug(msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.Info(msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.Warn(msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.Error(msg, fields...) }

func (l *Logger) With(fields ...interface{}) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		ctx = ctx.Str(key, l.value(key, fields[i+1]))
	}
	return &Logger{zl: ctx.Logger(), redactPII: l.redactPII}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.emit(l.zl.Error(), msg, fields) }

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []interface{}) {
	if ev == nil {
		return
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		switch v := fields[i+1].(type) {
		case error:
			ev = ev.Str(key, l.value(key, v.Error()))
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case bool:
			ev = ev.Bool(key, v)
		default:
			ev = ev.Str(key, l.value(key, v))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) value(key string, v interface{}) string {
	val := fmt.Sprintf("%v", v)
	if l.redactPII.Load() {
		val = redactPIIValue(key, val)
	}
	return val
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "address") {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
