// Package logging is the single place every other package reaches for a
// logger, the way maho/server and maho/cmd import logrus under the "log"
// alias instead of letting every package configure its own.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// Fields re-exports logrus.Fields so callers never need to import
// logrus directly just to build a WithFields() argument.
type Fields = log.Fields

var root = log.New()

func init() {
	root.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})
}

// For returns a logger scoped to a component (compactor, commit manager,
// page manager, ...), tagged with a "component" field rather than a
// distinct prefix string.
func For(component string) *log.Entry {
	return root.WithField("component", component)
}

// SetLevel adjusts the root logger's verbosity; called from config once
// the "log-level" parameter has been resolved.
func SetLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lvl)
	return nil
}

// SetOutput is exposed for tests that want to silence or capture output.
func SetOutput(w interface {
	Write([]byte) (int, error)
}) {
	root.SetOutput(w)
}
