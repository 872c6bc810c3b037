// Package logging configures the structured logger shared by every
// long-lived component: one logrus instance per process, fields for
// project hash, cycle name, and duration on periodic-task ticks.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. LAMINARK_DEBUG=1 or MEMENGINE_DEBUG=1
// raises the level.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	if os.Getenv("LAMINARK_DEBUG") == "1" || os.Getenv("MEMENGINE_DEBUG") == "1" {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// Component returns a logger scoped to a component name, used for every
// periodic task and adapter so cycle logs can be filtered.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// Cycle logs the outcome of one periodic-task tick with a duration field.
func Cycle(entry *logrus.Entry, cycle string, ms int64, err error) {
	fields := logrus.Fields{"cycle": cycle, "duration_ms": ms}
	if err != nil {
		entry.WithFields(fields).WithError(err).Warn("cycle failed")
		return
	}
	entry.WithFields(fields).Debug("cycle complete")
}
