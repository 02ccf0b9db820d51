// Package mlog centralizes the logrus wiring used across mdnsd's
// components, so no package reaches for a process-wide logger global.
package mlog

import "github.com/sirupsen/logrus"

// Logger is the handle every component is constructed with. It is a thin
// wrapper rather than a bare *logrus.Logger so the zero value is usable
// (a nil *Logger, or one with no entry, writes through
// logrus.StandardLogger() instead of panicking on first use).
type Logger struct {
	entry *logrus.Entry
}

// New wraps base (or logrus.StandardLogger() if base is nil) and tags every
// line emitted through the result with component=name.
func New(base *logrus.Logger, component string) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{entry: base.WithField("component", component)}
}

// For returns a child logger scoped to component, inheriting the
// underlying logrus.Logger.
func (l *Logger) For(component string) *Logger {
	if l == nil || l.entry == nil {
		return New(nil, component)
	}
	return &Logger{entry: l.entry.Logger.WithField("component", component)}
}

func (l *Logger) fields(kv ...any) *logrus.Entry {
	var e *logrus.Entry
	if l != nil {
		e = l.entry
	}
	if e == nil {
		e = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(kv) == 0 {
		return e
	}
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		f[key] = kv[i+1]
	}
	return e.WithFields(f)
}

// Debugf logs malformed-input and other dropped-silently conditions.
func (l *Logger) Debugf(format string, args ...any) { l.fields().Debugf(format, args...) }

// Warnf logs transient, swallowed I/O failures (one NIC failing must not
// stop others, per the transport's error-handling contract).
func (l *Logger) Warnf(format string, args ...any) { l.fields().Warnf(format, args...) }

// Infof logs lifecycle events: advertise, probe verdicts, interface changes.
func (l *Logger) Infof(format string, args ...any) { l.fields().Infof(format, args...) }

// Errorf logs conditions the caller will also see as a returned error.
func (l *Logger) Errorf(format string, args ...any) { l.fields().Errorf(format, args...) }

// WithFields returns a logger line builder for structured logging calls
// that need attached key/value pairs (interface name, remote address, ...).
func (l *Logger) WithFields(kv ...any) *logrus.Entry { return l.fields(kv...) }
