package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Logger provides leveled logging with module support
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	base  zerolog.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// InitWith installs l as the global logger (call once at startup)
func InitWith(l *Logger) {
	once.Do(func() {
		defaultLogger = l
	})
}

// New creates a new Logger instance writing human-readable console output.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	writer := zerolog.ConsoleWriter{
		Out:        output,
		NoColor:    !useColor,
		TimeFormat: "2006/01/02 15:04:05.000000",
	}

	return newWithZerolog(level, zerolog.New(writer).With().Timestamp().Logger())
}

// NewJSON creates a Logger emitting one JSON object per line.
func NewJSON(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return newWithZerolog(level, zerolog.New(output).With().Timestamp().Logger())
}

// newWithZerolog wraps base, filtering at level.
func newWithZerolog(level LogLevel, base zerolog.Logger) *Logger {
	return &Logger{
		level: level,
		base:  base.Level(level.zerolog()),
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.base = l.base.Level(level.zerolog())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// WithComponent returns a structured child logger tagged with the module name.
func (l *Logger) WithComponent(module string) zerolog.Logger {
	l.mu.Lock()
	base := l.base
	l.mu.Unlock()
	return base.With().Str("component", module).Logger()
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	l.mu.Lock()
	currentLevel := l.level
	base := l.base
	l.mu.Unlock()

	if level < currentLevel || level == SILENT {
		return
	}

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = base.Debug()
	case INFO:
		ev = base.Info()
	case WARN:
		ev = base.Warn()
	case ERROR:
		ev = base.Error()
	default:
		return
	}

	if module != "" {
		ev = ev.Str("component", module)
	}
	ev.Msgf(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Global logger functions (use default logger)

// WithComponent returns a structured logger for module from the global logger.
// Before InitWith it returns a disabled logger.
func WithComponent(module string) zerolog.Logger {
	if defaultLogger != nil {
		return defaultLogger.WithComponent(module)
	}
	return zerolog.Nop()
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
