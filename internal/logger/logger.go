package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level is a log severity level
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(LevelInfo))
}

// ParseLevel parses a level name ("trace".."fatal")
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// SetLevel sets the global log level
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

// GetLevel returns the global log level
func GetLevel() Level {
	return Level(currentLevel.Load())
}

func logAt(l Level, prefix, format string, args ...any) {
	if l < GetLevel() {
		return
	}
	log.Printf(prefix+" "+format, args...)
}

// Trace logs at trace level
func Trace(format string, args ...any) { logAt(LevelTrace, "TRACE", format, args...) }

// Debug logs at debug level
func Debug(format string, args ...any) { logAt(LevelDebug, "DEBUG", format, args...) }

// Info logs at info level
func Info(format string, args ...any) { logAt(LevelInfo, "INFO", format, args...) }

// Warn logs at warn level
func Warn(format string, args ...any) { logAt(LevelWarn, "WARN", format, args...) }

// Error logs at error level
func Error(format string, args ...any) { logAt(LevelError, "ERROR", format, args...) }

// Fatal logs at fatal level and exits
func Fatal(format string, args ...any) {
	log.Fatalf("FATAL "+format, args...)
}
