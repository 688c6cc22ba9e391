package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

// Header keys used to carry the record attributes.
const (
	HeaderEventID        = "event-id"
	HeaderEventType      = "event-type"
	HeaderContentType    = "content-type"
	HeaderStreamPosition = "stream-position"
	HeaderMetadata       = "metadata"
)

// partition is the only partition of the log topic, which keeps the total order.
const partition int32 = 0

var (
	_ subscription.LogClient  = &Log{}
	_ subscription.TailReader = &Log{}
)

// Config contains the connection settings of a Log.
type Config struct {
	Brokers []string
	Topic   string

	// ClientOptions are appended to the options of every client created
	// by the Log, e.g. for TLS or SASL settings.
	ClientOptions []kgo.Opt

	Logger logger.Logger
}

// Log is an append-only event log stored in a single-partition Kafka topic.
type Log struct {
	config   Config
	producer *kgo.Client
	admin    *kadm.Client
}

// NewLog connects a new Log to the brokers.
func NewLog(config Config) (*Log, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka.NewLog: topic is required")
	}

	producer, err := kgo.NewClient(config.clientOptions(
		kgo.DefaultProduceTopic(config.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)...)
	if err != nil {
		return nil, fmt.Errorf("kafka.NewLog: failed to create producer client, %w", err)
	}

	return &Log{
		config:   config,
		producer: producer,
		admin:    kadm.NewClient(producer),
	}, nil
}

func (c Config) clientOptions(opts ...kgo.Opt) []kgo.Opt {
	all := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	all = append(all, c.ClientOptions...)

	return append(all, opts...)
}

// Close releases the Log clients. Open subscriptions are not affected.
func (l *Log) Close() {
	l.producer.Close()
}

// EnsureTopic creates the log topic with a single partition,
// if it does not exist yet.
func (l *Log) EnsureTopic(ctx context.Context, replicationFactor int16) error {
	resp, err := l.admin.CreateTopic(ctx, 1, replicationFactor, nil, l.config.Topic)
	if err == nil {
		err = resp.Err
	}

	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("kafka.Log: failed to create topic %q, %w", l.config.Topic, err)
	}

	return nil
}

// Append produces the records to the log topic, waiting for all the
// in-sync replicas, and returns them with their positions assigned.
func (l *Log) Append(ctx context.Context, records ...event.Record) ([]event.Record, error) {
	kgoRecords := make([]*kgo.Record, 0, len(records))

	for _, record := range records {
		if record.EventType == "" {
			return nil, fmt.Errorf("kafka.Log: failed to append, record event type is empty")
		}

		if record.EventID == uuid.Nil {
			record.EventID = uuid.New()
		}

		if record.Created.IsZero() {
			record.Created = time.Now()
		}

		kgoRecords = append(kgoRecords, toKafka(l.config.Topic, record))
	}

	results := l.producer.ProduceSync(ctx, kgoRecords...)
	if err := results.FirstErr(); err != nil {
		return nil, fmt.Errorf("kafka.Log: failed to produce records, %w", err)
	}

	appended := make([]event.Record, 0, len(results))
	for _, result := range results {
		appended = append(appended, fromKafka(result.Record))
	}

	return appended, nil
}

// TailPosition returns the position of the last record in the log,
// or 0 if the log is empty.
func (l *Log) TailPosition(ctx context.Context) (uint64, error) {
	offsets, err := l.admin.ListEndOffsets(ctx, l.config.Topic)
	if err != nil {
		return 0, fmt.Errorf("kafka.Log: failed to list end offsets, %w", err)
	}

	offset, ok := offsets.Lookup(l.config.Topic, partition)
	if !ok {
		return 0, fmt.Errorf("kafka.Log: no end offset for topic %q", l.config.Topic)
	}

	if offset.Err != nil {
		return 0, fmt.Errorf("kafka.Log: failed to list end offset, %w", offset.Err)
	}

	// The end offset is the offset of the next record, which equals
	// the position of the last one.
	return uint64(offset.Offset), nil //nolint:gosec // Offsets are never negative here.
}

// Subscribe opens a catch-up subscription with a dedicated consumer client,
// reading the log partition directly without any consumer group.
func (l *Log) Subscribe(ctx context.Context, req subscription.SubscribeRequest) (subscription.LogSubscription, error) {
	if req.OnRecord == nil {
		return nil, fmt.Errorf("kafka.Log: failed to subscribe, OnRecord callback is nil")
	}

	offset := kgo.NewOffset().AtStart()
	if req.After != nil {
		offset = kgo.NewOffset().At(int64(*req.After)) //nolint:gosec // Positions come from offsets.
	}

	client, err := kgo.NewClient(l.config.clientOptions(
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			l.config.Topic: {partition: offset},
		}),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.FetchMaxWait(time.Second),
	)...)
	if err != nil {
		return nil, fmt.Errorf("kafka.Log: failed to create consumer client, %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub := &logSubscription{
		client: client,
		req:    req,
		logger: l.config.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.run(ctx)

	return sub, nil
}

type logSubscription struct {
	client *kgo.Client
	req    subscription.SubscribeRequest
	logger logger.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mx     sync.Mutex
	closed bool
}

func (sub *logSubscription) run(ctx context.Context) {
	reason, err := sub.consume(ctx)

	sub.client.Close()

	sub.mx.Lock()
	closed := sub.closed
	sub.mx.Unlock()

	close(sub.done)

	if err == nil || closed || sub.req.OnDropped == nil {
		return
	}

	sub.req.OnDropped(reason, err)
}

func (sub *logSubscription) consume(ctx context.Context) (subscription.DropReason, error) {
	for {
		fetches := sub.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return subscription.Stopped, nil
		}

		for _, fetchErr := range fetches.Errors() {
			logger.Error(sub.logger, "failed to fetch records",
				logger.With("topic", fetchErr.Topic),
				logger.With("partition", fetchErr.Partition),
				logger.WithError(fetchErr.Err),
			)

			return subscription.ServerError, fmt.Errorf("kafka.Log: failed to fetch records, %w", fetchErr.Err)
		}

		for iter := fetches.RecordIter(); !iter.Done(); {
			record := fromKafka(iter.Next())

			if !event.Matches(sub.req.Target, record) {
				continue
			}

			if err := sub.req.OnRecord(ctx, record); err != nil {
				return subscription.SubscriptionError, err
			}
		}
	}
}

// Close stops the consumer client, without notifying the drop callback.
func (sub *logSubscription) Close(ctx context.Context) error {
	sub.mx.Lock()
	sub.closed = true
	sub.mx.Unlock()

	sub.cancel()

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka.Log: failed to close subscription, %w", ctx.Err())
	}
}

func toKafka(topic string, record event.Record) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: HeaderEventID, Value: []byte(record.EventID.String())},
		{Key: HeaderEventType, Value: []byte(record.EventType)},
		{Key: HeaderContentType, Value: []byte(record.ContentType)},
	}

	if record.StreamPosition > 0 {
		headers = append(headers, kgo.RecordHeader{
			Key:   HeaderStreamPosition,
			Value: []byte(strconv.FormatUint(record.StreamPosition, 10)),
		})
	}

	if len(record.Metadata) > 0 {
		headers = append(headers, kgo.RecordHeader{Key: HeaderMetadata, Value: record.Metadata})
	}

	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Key:       []byte(record.Stream),
		Value:     record.Data,
		Headers:   headers,
		Timestamp: record.Created,
	}
}

func fromKafka(r *kgo.Record) event.Record {
	record := event.Record{
		Stream:   event.StreamID(r.Key),
		Position: uint64(r.Offset) + 1, //nolint:gosec // Offsets of fetched records are never negative.
		Created:  r.Timestamp,
		Data:     r.Value,
	}

	for _, header := range r.Headers {
		switch header.Key {
		case HeaderEventID:
			record.EventID, _ = uuid.ParseBytes(header.Value)
		case HeaderEventType:
			record.EventType = string(header.Value)
		case HeaderContentType:
			record.ContentType = string(header.Value)
		case HeaderStreamPosition:
			record.StreamPosition, _ = strconv.ParseUint(string(header.Value), 10, 64)
		case HeaderMetadata:
			record.Metadata = header.Value
		}
	}

	return record
}
