package logger

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the common logging interface used across the library.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// make sure that LevelLogger implements Logger interface.
var _ Logger = (*LevelLogger)(nil)

// NewFromEnv returns a LevelLogger with the name prefix and
// severity based on the named environment variable or it
// falls back to LevelWarn if it's missing.
func NewFromEnv(name, key string) *LevelLogger {
	lvl := LevelWarn
	switch strings.ToLower(os.Getenv(key)) {
	case "e", "err", "error":
		lvl = LevelError
	case "w", "warn", "warning":
		lvl = LevelWarn
	case "i", "info":
		lvl = LevelInfo
	case "d", "debug":
		lvl = LevelDebug
	}
	return New(name, lvl, log.Print)
}

// Level is logging severity.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns log level string representation.
func (lvl Level) String() string {
	switch lvl {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return ""
	}
}

// PrintFunc is used for writing logs that works as fmt.Print.
type PrintFunc func(v ...interface{})

// New creates a new leveled logger instance with the given parameters.
func New(name string, lvl Level, print PrintFunc) *LevelLogger {
	return &LevelLogger{name: name, lvl: lvl, print: print}
}

// LevelLogger is a logger that supports log levels.
type LevelLogger struct {
	name  string
	lvl   Level
	print PrintFunc
}

func (l *LevelLogger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

func (l *LevelLogger) Warnf(format string, v ...interface{}) {
	l.logf(LevelWarn, format, v...)
}

func (l *LevelLogger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *LevelLogger) Debugf(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

func (l *LevelLogger) logf(lvl Level, format string, v ...interface{}) {
	if l.print != nil && lvl <= l.lvl {
		l.print(l.name, ": ", lvl.String(), " ", fmt.Sprintf(format, v...))
	}
}

// NewLogrus adapts a logrus logger to the Logger interface,
// logrus handles severity filtering on its own.
func NewLogrus(l *logrus.Logger) Logger {
	return &logrusLogger{l}
}

type logrusLogger struct {
	l *logrus.Logger
}

func (w *logrusLogger) Errorf(format string, v ...interface{}) {
	w.l.Errorf(format, v...)
}

func (w *logrusLogger) Warnf(format string, v ...interface{}) {
	w.l.Warnf(format, v...)
}

func (w *logrusLogger) Infof(format string, v ...interface{}) {
	w.l.Infof(format, v...)
}

func (w *logrusLogger) Debugf(format string, v ...interface{}) {
	w.l.Debugf(format, v...)
}
