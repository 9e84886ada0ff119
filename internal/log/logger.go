// Package log provides the orchestrator's minimal logging surface: a thin,
// teacher-shaped wrapper (Logln/Logf/LogDepfln) backed by logrus so verbosity
// and structured fields are available without every call site needing to
// know about them.
package log

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with the small call surface the rest of the
// orchestrator uses.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger writing through the given logrus.Logger, defaulting
// to InfoLevel. Pass verbose=true to enable DebugLevel.
func New(base *logrus.Logger, verbose bool) *Logger {
	if base == nil {
		base = logrus.New()
	}
	if verbose {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// Logln logs a line at info level.
func (l *Logger) Logln(args ...interface{}) {
	l.entry.Infoln(args...)
}

// Logf logs a formatted string at info level.
func (l *Logger) Logf(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// LogDepfln logs a formatted line at debug level, prefixed with `srcbuild: `.
func (l *Logger) LogDepfln(format string, args ...interface{}) {
	l.entry.Debugf("srcbuild: "+format, args...)
}

// Warnf logs a formatted string at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// WithField returns a Logger with an additional structured field, mirroring
// logrus's own idiom for callers that want richer context (e.g. the product
// name being resolved or built).
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}
