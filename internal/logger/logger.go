package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	SILENT
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "SILENT"}

// ANSI color per level; empty disables coloring for that level.
var levelColors = [...]string{"\033[36m", "\033[32m", "\033[33m", "\033[31m", ""}

const resetColor = "\033[0m"

// Logger writes leveled, module-tagged messages. Module tags identify
// the component emitting the line (e.g. "Segmenter", "HLSStore").
type Logger struct {
	mu       sync.Mutex
	level    Level
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init installs the process-wide logger. Later calls are no-ops.
func Init(level Level, w io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, w, useColor)
	})
}

// New creates a standalone Logger.
func New(level Level, w io.Writer, useColor bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// SetLevel changes the minimum level that is emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) write(level Level, module, format string, args ...interface{}) {
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min || level >= SILENT {
		return
	}

	tag := "[" + levelNames[level] + "]"
	if l.useColor && levelColors[level] != "" {
		tag = levelColors[level] + tag + resetColor
	}
	if module != "" {
		tag += " [" + module + "]"
	}
	l.out.Printf("%s %s", tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(module, format string, args ...interface{}) {
	l.write(DEBUG, module, format, args...)
}

func (l *Logger) Info(module, format string, args ...interface{}) {
	l.write(INFO, module, format, args...)
}

func (l *Logger) Warn(module, format string, args ...interface{}) {
	l.write(WARN, module, format, args...)
}

func (l *Logger) Error(module, format string, args ...interface{}) {
	l.write(ERROR, module, format, args...)
}

// Package-level helpers using the process-wide logger.

func Debug(module, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

func Info(module, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

func Warn(module, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

func Error(module, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// SetLevel adjusts the process-wide logger.
func SetLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// ParseLevel parses a level name from a flag or config value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
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

// String returns the level name.
func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}
