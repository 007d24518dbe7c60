// Package logger is a small leveled logger. Every line carries the level and
// the module that emitted it:
//
//	2024/05/01 12:30:45.123456 [INFO] [Pipeline] Source exhausted after 120 frames
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}

	resetColor = "\033[0m"
)

// Logger provides leveled logging with module support
type Logger struct {
	level    atomic.Int32
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a new Logger instance. A nil output means stderr.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel() && level < SILENT
}

func (l *Logger) log(level LogLevel, module string, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	prefix := "[" + levelNames[level] + "]"
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if module != "" {
		prefix += " [" + module + "]"
	}

	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...any) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...any) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...any) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...any) {
	l.log(ERROR, module, format, args...)
}

// Module binds a module tag so call sites don't repeat it.
type Module string

func (m Module) Debug(format string, args ...any) { Debug(string(m), format, args...) }
func (m Module) Info(format string, args ...any)  { Info(string(m), format, args...) }
func (m Module) Warn(format string, args ...any)  { Warn(string(m), format, args...) }
func (m Module) Error(format string, args ...any) { Error(string(m), format, args...) }

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// ParseLevel parses a log level name, ignoring case.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
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
