// Package logging provides the logger used throughout sdgguf.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the interface used for logging throughout the codebase. It is
// satisfied by *logrus.Entry and *logrus.Logger.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

// root is the process-wide logger. Components derive scoped entries from it
// via NewComponentLogger.
var root = logrus.New()

// SetLevel adjusts the level of the root logger. Unknown level names fall
// back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	root.SetLevel(lvl)
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// NewComponentLogger returns a logger scoped to the given component name.
func NewComponentLogger(component string) *logrus.Entry {
	return root.WithField("component", component)
}
