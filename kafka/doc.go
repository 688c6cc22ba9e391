// Package kafka contains a subscription.LogClient implementation backed by
// a single-partition Apache Kafka topic, using franz-go.
//
// The log position of a record is its partition offset plus one, so that
// positions start from 1 like every other log in this module.
// Record attributes are carried in headers, and the stream id as the record key.
package kafka
