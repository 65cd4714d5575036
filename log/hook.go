package log

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// hookMu syncs all io operations of every hook
var hookMu sync.Mutex

// LoggerHook extends logrus.Hook with Reopen(), so a file destination can be
// re-opened after an external program renamed it (eg. logrotate)
type LoggerHook interface {
	logrus.Hook
	Reopen() error
	GetLogDest() string
}

type logrusHook struct {
	w io.Writer
	// file descriptor, can be re-opened
	fd *os.File
	// destination the hook was created with
	fname string
}

// NewLogrusHook creates a hook writing to dest. dest can be a file path or
// one of "stderr", "stdout", "off".
func NewLogrusHook(dest string) (LoggerHook, error) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hook := logrusHook{fname: dest}
	err := hook.setup(dest)
	return &hook, err
}

func (hook *logrusHook) setup(dest string) error {
	switch dest {
	case "", "stderr":
		hook.w = os.Stderr
	case "stdout":
		hook.w = os.Stdout
	case "off":
		hook.w = io.Discard
	default:
		if _, err := os.Stat(dest); err == nil {
			return hook.openAppend(dest)
		}
		return hook.openCreate(dest)
	}
	return nil
}

func (hook *logrusHook) openAppend(dest string) error {
	fd, err := os.OpenFile(dest, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		hook.w = os.Stderr
		hook.fd = nil
		return err
	}
	hook.w = bufio.NewWriter(fd)
	hook.fd = fd
	return nil
}

func (hook *logrusHook) openCreate(dest string) error {
	fd, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		hook.w = os.Stderr
		hook.fd = nil
		return err
	}
	hook.w = bufio.NewWriter(fd)
	hook.fd = fd
	return nil
}

// Fire implements the logrus.Hook interface
func (hook *logrusHook) Fire(entry *logrus.Entry) error {
	hookMu.Lock()
	defer hookMu.Unlock()
	line, err := entry.String()
	if err != nil {
		return err
	}
	if _, err = io.Copy(hook.w, strings.NewReader(line)); err != nil {
		return err
	}
	if wb, ok := hook.w.(*bufio.Writer); ok {
		if err = wb.Flush(); err != nil {
			return err
		}
		if hook.fd != nil {
			return hook.fd.Sync()
		}
	}
	return nil
}

// Levels implements the logrus.Hook interface
func (hook *logrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Reopen closes and re-opens the file descriptor
func (hook *logrusHook) Reopen() error {
	hookMu.Lock()
	defer hookMu.Unlock()
	if hook.fd == nil {
		return nil
	}
	if err := hook.fd.Close(); err != nil {
		return err
	}
	// the file may have been renamed by an external program
	if _, err := os.Stat(hook.fname); err != nil {
		return hook.openCreate(hook.fname)
	}
	return hook.openAppend(hook.fname)
}

func (hook *logrusHook) GetLogDest() string {
	return hook.fname
}
