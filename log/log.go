package log

import (
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers don't have to import logrus directly.
type Fields = logrus.Fields

// Logger is the logging interface used throughout mailcrab. It is a logrus
// FieldLogger with a few extras: per-connection fields, log level control and
// the ability to reopen the output file after rotation.
type Logger interface {
	logrus.FieldLogger
	WithConn(conn net.Conn) *logrus.Entry
	Reopen() error
	GetLogDest() string
	SetLevel(level string)
	GetLevel() string
	IsDebug() bool
}

// HookedLogger wraps a logrus logger whose output goes through a LoggerHook,
// so the destination can be reopened without recreating the logger.
type HookedLogger struct {
	*logrus.Logger

	h LoggerHook
}

var loggers struct {
	cache map[string]Logger
	// guards the cache
	sync.Mutex
}

// GetLogger returns a Logger writing to dest at the given level.
// dest can be a file path or one of "stderr", "stdout", "off".
// Loggers are cached by dest; a subsequent call with the same dest returns
// the cached instance. On hook setup failure the logger falls back to stderr
// and the error is returned alongside the usable logger.
func GetLogger(dest string, level string) (Logger, error) {
	loggers.Lock()
	defer loggers.Unlock()
	if loggers.cache == nil {
		loggers.cache = make(map[string]Logger, 1)
	} else if l, ok := loggers.cache[dest]; ok {
		l.SetLevel(level)
		return l, nil
	}
	logger := logrus.New()
	// output goes through the hook instead
	logger.Out = nullWriter{}

	l := &HookedLogger{Logger: logger}
	l.SetLevel(level)
	loggers.cache[dest] = l

	h, err := NewLogrusHook(dest)
	if err != nil {
		logger.Out = os.Stderr
		return l, err
	}
	logger.Hooks.Add(h)
	l.h = h
	return l, nil
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetLevel sets the log level, one of the logrus level strings
func (l *HookedLogger) SetLevel(level string) {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	l.Logger.SetLevel(lv)
}

// GetLevel gets the current log level
func (l *HookedLogger) GetLevel() string {
	return l.Logger.GetLevel().String()
}

func (l *HookedLogger) IsDebug() bool {
	return l.Logger.GetLevel() >= logrus.DebugLevel
}

// Reopen closes the log file and re-opens it, for use after log rotation
func (l *HookedLogger) Reopen() error {
	if l.h == nil {
		return nil
	}
	return l.h.Reopen()
}

// GetLogDest returns the destination the logger was created with
func (l *HookedLogger) GetLogDest() string {
	if l.h == nil {
		return ""
	}
	return l.h.GetLogDest()
}

// WithConn adds the remote address of a connection as a log field
func (l *HookedLogger) WithConn(conn net.Conn) *logrus.Entry {
	addr := "unknown"
	if conn != nil && conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}
	return l.WithField("addr", addr)
}
