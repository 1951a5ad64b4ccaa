// Package logging provides the structured logger shared by every component
// of the client. It wraps logrus the way the teacher's torrent package
// wrapped the standard log package with a package-level verbosity switch.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetVerbose toggles debug-level logging across the whole client, mirroring
// torrent.SetVerbose in the teacher program.
func SetVerbose(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger scoped to a component name, e.g. logging.For("peer").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
