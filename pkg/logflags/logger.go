package logflags

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the logger handed to each layer. Messages below the level of
// the layer are dropped.
type Logger interface {
	// WithError returns a Logger that attaches err to every message.
	WithError(err error) Logger
	// WithAddr returns a Logger that attaches a guest address to every
	// message.
	WithAddr(addr uint64) Logger

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields are attached to every message of a Logger.
type Fields map[string]interface{}

// entry adapts a *logrus.Entry to Logger.
type entry struct {
	*logrus.Entry
}

func (e entry) WithError(err error) Logger {
	return entry{e.Entry.WithError(err)}
}

func (e entry) WithAddr(addr uint64) Logger {
	return entry{e.Entry.WithField("addr", fmt.Sprintf("%#x", addr))}
}
