// Package logger provides component-scoped structured logging.
//
// Call sites name the component that is logging and optionally attach a
// field map:
//
//	logger.InfoCF("onebot", "Connected", map[string]interface{}{"adapter": id})
//
// Output goes through log/slog so the handler (text or JSON) and the
// destination are chosen once at startup.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel orders log severities.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
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

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// SetLevel changes the minimum level for all subsequent log calls.
func SetLevel(l LogLevel) {
	level.Set(l.slogLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() LogLevel {
	switch level.Level() {
	case slog.LevelDebug:
		return DEBUG
	case slog.LevelWarn:
		return WARN
	case slog.LevelError:
		return ERROR
	default:
		return INFO
	}
}

// Configure replaces the output handler. format is "json" or "text".
func Configure(w io.Writer, format string) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	current.Store(slog.New(h))
}

func log(l LogLevel, component, message string, fields map[string]interface{}) {
	lg := current.Load()
	if !lg.Enabled(context.Background(), l.slogLevel()) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	attrs = append(attrs, slog.String("component", component))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	lg.LogAttrs(context.Background(), l.slogLevel(), message, attrs...)
}

func DebugC(component, message string) { log(DEBUG, component, message, nil) }
func InfoC(component, message string)  { log(INFO, component, message, nil) }
func WarnC(component, message string)  { log(WARN, component, message, nil) }
func ErrorC(component, message string) { log(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	log(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	log(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	log(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	log(ERROR, component, message, fields)
}
