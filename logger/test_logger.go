package logger

import (
	"sync"
	"testing"
)

var _ Logger = &Test{}

// Test is a logger.Logger implementation using testing.T instance.
//
// Entries are also recorded, so that tests can assert on what has been logged.
type Test struct {
	t *testing.T

	mx      sync.Mutex
	entries []Entry
}

// Entry is a log entry recorded by the Test logger.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// NewTest returns a new logger using the provided testing.T instance.
func NewTest(t *testing.T) *Test {
	return &Test{t: t}
}

func (t *Test) record(level, msg string, fields []Field) {
	t.mx.Lock()
	t.entries = append(t.entries, Entry{Level: level, Message: msg, Fields: fields})
	t.mx.Unlock()

	t.t.Logf("[%s] %s {args: %+v}\n", level, msg, fields)
}

// Debug uses t.Logf to print a debug message.
func (t *Test) Debug(msg string, fields ...Field) { t.record("debug", msg, fields) }

// Info uses t.Logf to print an info message.
func (t *Test) Info(msg string, fields ...Field) { t.record("info", msg, fields) }

// Error uses t.Logf to print an error message.
func (t *Test) Error(msg string, fields ...Field) { t.record("error", msg, fields) }

// Entries returns a copy of the entries recorded so far.
func (t *Test) Entries() []Entry {
	t.mx.Lock()
	defer t.mx.Unlock()

	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)

	return entries
}

// ErrorsLogged returns the number of error entries recorded so far.
func (t *Test) ErrorsLogged() int {
	var count int

	for _, entry := range t.Entries() {
		if entry.Level == "error" {
			count++
		}
	}

	return count
}
