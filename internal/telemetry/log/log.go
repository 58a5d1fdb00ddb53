// Package log configures the process-wide structured logger. It is a thin
// wrapper around sirupsen/logrus, used directly the same way this
// codebase's other commands use it rather than through a bespoke
// abstraction.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// L is the process-wide logger every package in this server logs through.
var L = logrus.New()

func init() {
	L.SetOutput(os.Stderr)
	L.SetFormatter(&logrus.JSONFormatter{})
	L.SetLevel(logrus.InfoLevel)
}

// SetLevel parses and applies a level name ("debug", "info", "warn", ...),
// returning an error for anything logrus doesn't recognize.
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	L.SetLevel(lvl)
	return nil
}

// Conn returns a logger scoped to one connection id, the way every
// request-path log line in this server should be tagged.
func Conn(connID uint64) *logrus.Entry {
	return L.WithField("conn_id", connID)
}
