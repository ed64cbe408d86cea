package logger

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// String returns the flag spelling of the level
func (l LogLevel) String() string {
	switch l {
	case LogLevelNone:
		return "none"
	case LogLevelError:
		return "error"
	case LogLevelWarning:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel accepts a level number (0=NONE .. 4=DEBUG) or its name
func ParseLevel(s string) (LogLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(LogLevelNone) || n > int(LogLevelDebug) {
			return LogLevelNone, fmt.Errorf("log level %d out of range", n)
		}
		return LogLevel(n), nil
	}
	for l := LogLevelNone; l <= LogLevelDebug; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	if s == "warning" {
		return LogLevelWarning, nil
	}
	return LogLevelNone, fmt.Errorf("unknown log level %q", s)
}

type Logger struct {
	logger *log.Logger
	level  LogLevel
	tag    string
}

// NewLogger wraps a standard logger. A nil logger discards everything,
// which keeps tests quiet without special casing every call site.
func NewLogger(logger *log.Logger, level LogLevel) *Logger {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Logger{
		logger: logger,
		level:  level,
		tag:    "",
	}
}

// Nop returns a logger that drops all output
func Nop() *Logger {
	return NewLogger(nil, LogLevelNone)
}

// WithTag creates a new logger with a tag prefix. Tagging a tagged logger
// nests the tags ("system/fsm").
func (l *Logger) WithTag(tag string) *Logger {
	if l.tag != "" {
		tag = l.tag + "/" + tag
	}
	return &Logger{
		logger: l.logger,
		level:  l.level,
		tag:    tag,
	}
}

// Level reports the configured verbosity
func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) formatMessage(level string, format string) string {
	if l.tag != "" {
		if level != "" {
			return "[" + l.tag + "] " + level + " " + format
		}
		return "[" + l.tag + "] " + format
	}
	if level != "" {
		return level + " " + format
	}
	return format
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		l.logger.Printf(l.formatMessage("DEBUG:", format), v...)
	}
}

func (l *Logger) Infof(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		l.logger.Printf(l.formatMessage("", format), v...)
	}
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	if l.level >= LogLevelWarning {
		l.logger.Printf(l.formatMessage("WARN:", format), v...)
	}
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.level >= LogLevelError {
		l.logger.Printf(l.formatMessage("ERROR:", format), v...)
	}
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatalf(l.formatMessage("FATAL:", format), v...)
}
