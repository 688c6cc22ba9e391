// Package inmemory contains in-process implementations of an event log
// and of a competing-consumer broker, with the ability to inject drops
// and failures. They are mostly useful in tests and examples.
package inmemory
