package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu      sync.RWMutex
	base    *slog.Logger
	initted bool
)

// Options controls the process-wide logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// InitLogging initializes logging
func InitLogging(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	mu.Lock()
	base = slog.New(handler)
	initted = true
	mu.Unlock()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !initted {
		return slog.Default()
	}
	return base
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	current().Debug(fmt.Sprintf(format, v...))
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	current().Info(fmt.Sprintf(format, v...))
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	current().Warn(fmt.Sprintf(format, v...))
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	current().Error(fmt.Sprintf(format, v...))
}

// Logger is the printf-style contract handed to components.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the process logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return componentLogger{component: component}
}

func (l componentLogger) log(level slog.Level, format string, args ...any) {
	current().Log(context.Background(), level, fmt.Sprintf(format, args...), "component", l.component)
}

func (l componentLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l componentLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l componentLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l componentLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
