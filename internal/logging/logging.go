// Package logging centralizes structured logging for the parking core.
// Every component logs through GetLogger rather than fmt or the stdlib
// log package, so a component field is always present on every entry.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.JSONFormatter{})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// SetLevel adjusts the verbosity of every logger returned by GetLogger.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}

// GetLogger returns a logger tagged with the given component name, mirroring
// the logger.GetLogger(component) convention of tagging every log line with
// the subsystem that produced it.
func GetLogger(component string) *logrus.Entry {
	return root().WithField("component", component)
}
