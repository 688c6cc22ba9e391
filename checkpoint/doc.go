// Package checkpoint contains the Checkpoint type, the Store interface used
// to persist the progress of a subscription, and the CommitHandler, which turns
// out-of-order handler completions into monotonic, gap-free checkpoint writes.
package checkpoint
