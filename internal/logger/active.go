package logger

import "sync/atomic"

var activePtr atomic.Pointer[Logger]

// SetActive installs the process-wide logger. Passing nil disables logging.
func SetActive(l *Logger) {
	activePtr.Store(l)
}

// Active returns the installed logger, or nil when none is set.
func Active() *Logger {
	return activePtr.Load()
}

// CloseActive detaches and closes the installed logger.
func CloseActive() error {
	l := activePtr.Swap(nil)
	if l == nil {
		return nil
	}
	return l.Close()
}

func Debug(msg string) {
	if l := Active(); l != nil {
		l.Debug(msg)
	}
}

func Info(msg string) {
	if l := Active(); l != nil {
		l.Info(msg)
	}
}

func Warn(msg string) {
	if l := Active(); l != nil {
		l.Warn(msg)
	}
}

func Error(msg string) {
	if l := Active(); l != nil {
		l.Error(msg)
	}
}
