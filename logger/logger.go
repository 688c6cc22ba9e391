// Package logger contains the structured logging abstraction used by every
// component of the module.
//
// Components accept a Logger instance and log through the package-level
// helpers (Debug, Info, Error), which are safe to call with a nil Logger.
package logger

// Field represents a structured field to be added to a Log entry.
type Field struct {
	Key   string
	Value any
}

// With is an helper function to add a field in a functional way.
func With(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// WithError is a shorthand for With("error", err).
func WithError(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is a structured logger capable of printing information about
// the execution of a component at various levels.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Debug delegates the debug log call to the provided logger, if not nil.
func Debug(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Debug(msg, fields...)
	}
}

// Info delegates the info log call to the provided logger, if not nil.
func Info(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Info(msg, fields...)
	}
}

// Error delegates the error log call to the provided logger, if not nil.
func Error(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Error(msg, fields...)
	}
}

var _ Logger = Nop{}

// Nop is a Logger that discards every entry.
type Nop struct{}

// Debug implements Logger.
func (Nop) Debug(string, ...Field) {}

// Info implements Logger.
func (Nop) Info(string, ...Field) {}

// Error implements Logger.
func (Nop) Error(string, ...Field) {}

// Scoped returns a Logger that appends the given fields to every entry.
func Scoped(l Logger, fields ...Field) Logger {
	if l == nil {
		return nil
	}

	return scoped{inner: l, fields: fields}
}

type scoped struct {
	inner  Logger
	fields []Field
}

func (s scoped) merge(fields []Field) []Field {
	all := make([]Field, 0, len(s.fields)+len(fields))
	all = append(all, s.fields...)

	return append(all, fields...)
}

func (s scoped) Debug(msg string, fields ...Field) { s.inner.Debug(msg, s.merge(fields)...) }

func (s scoped) Info(msg string, fields ...Field) { s.inner.Info(msg, s.merge(fields)...) }

func (s scoped) Error(msg string, fields ...Field) { s.inner.Error(msg, s.merge(fields)...) }
