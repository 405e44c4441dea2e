// Package xlog provides the session-scoped logging convention used across
// the client and server state machines: callers inject a logrus.FieldLogger
// rather than reach for a package-level default, the same way
// distribution-distribution threads a context-scoped logger through
// request handling instead of calling logrus's global logger directly.
package xlog

import (
	"fmt"
	"io"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// New returns a *logrus.Entry pre-tagged with a fresh session id (C12) and
// role, ready to be threaded through a client or server session. Session
// ids are for log/metric correlation only and never appear on the wire.
func New(role string) *logrus.Entry {
	l := logrus.New()
	return l.WithFields(logrus.Fields{
		"session_id": xid.New().String(),
		"role":       role,
	})
}

// Discard returns a logger that drops everything, for callers (and tests)
// that don't want session logging.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("role", "discard")
}

// Phase logs a phase transition at Debug level.
func Phase(log *logrus.Entry, from, to fmt.Stringer) {
	log.WithFields(logrus.Fields{
		"phase_from": from.String(),
		"phase_to":   to.String(),
	}).Debug("phase transition")
}
