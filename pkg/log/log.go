package log

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the logging surface used by clients, servers and transports.
// Any hclog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// New returns an hclog logger writing to stderr. Debug output is only
// emitted when debug is set.
func New(name string, debug bool) hclog.Logger {
	level := hclog.Info
	if debug {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: os.Stderr,
	})
}

// Discard returns a logger that drops everything.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}

// Named returns a sub-logger when the logger supports it.
func Named(logger Logger, name string) Logger {
	if l, ok := logger.(hclog.Logger); ok {
		return l.Named(name)
	}
	return logger
}
