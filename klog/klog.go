// Package klog wires up the structured logger shared by every kernel
// subsystem. Field-prefixed logging in the style of a small OS
// simulator: a "subsystem" field names the component, plus whatever
// identifiers (pid, tid, port, fid) are relevant to the call site.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Field keys used consistently across packages so log lines can be
// correlated by grep/jq without each package inventing its own names.
const (
	FieldSubsystem = "subsystem"
	FieldPid       = "pid"
	FieldTid       = "tid"
	FieldFid       = "fid"
	FieldPort      = "port"
	FieldID        = "id"
)

// Log is the package-wide logger. Tests may lower its level or swap
// its output; production embedders may replace formatter/output via
// the exported logrus.Logger methods.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// For returns an Entry pre-populated with the subsystem field, the
// common starting point for a call site's log line.
func For(subsystem string) *logrus.Entry {
	return Log.WithField(FieldSubsystem, subsystem)
}
