// Package subscription contains the Event Subscription implementations used
// to consume an append-only event log, delivering every record to the
// registered Handlers with at-least-once semantics.
//
// Catch-up Subscriptions are driven by the client: they read the last
// Checkpoint from a checkpoint.Store, open the log from there, and advance the
// Checkpoint only across contiguous runs of completed messages, even when
// Handlers run concurrently.
//
// Persistent Subscriptions rely on a broker-side consumer group to track
// progress, and acknowledge processed messages in batches.
//
// Both kinds of Subscription recover automatically from dropped connections,
// resubscribing with a delay that depends on the DropReason.
package subscription
