// Package eventuallyjetstream contains a subscription.Broker implementation
// backed by NATS JetStream durable consumers.
//
// Records are published on "<prefix>.<category>.<stream id>" subjects,
// so that subscription targets translate into subject filters.
package eventuallyjetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

// Header keys used to carry the record attributes.
const (
	HeaderEventType      = "Eventually-Event-Type"
	HeaderContentType    = "Eventually-Content-Type"
	HeaderStreamPosition = "Eventually-Stream-Position"
	HeaderMetadata       = "Eventually-Metadata"
)

// DefaultAckWait is the time the server waits for an ack before redelivering.
const DefaultAckWait = 30 * time.Second

// ErrInvalidStreamID is returned when a stream id cannot be used as a subject token.
var ErrInvalidStreamID = errors.New("eventuallyjetstream: invalid stream id")

var _ subscription.Broker = &Broker{}

// Config contains the settings of a Broker.
type Config struct {
	// Stream is the name of the JetStream stream holding the records.
	Stream string

	// SubjectPrefix is the first token of every subject.
	SubjectPrefix string

	// AckWait is the time the server waits for an ack before redelivering.
	// Defaults to DefaultAckWait.
	AckWait time.Duration

	// MaxDeliver bounds the number of deliveries of a message, unlimited if not positive.
	MaxDeliver int

	Logger logger.Logger
}

// Broker publishes records to a JetStream stream and opens persistent
// subscriptions on it through durable pull consumers, one per group.
type Broker struct {
	js     jetstream.JetStream
	config Config
}

// NewBroker returns a new Broker using the JetStream context.
func NewBroker(js jetstream.JetStream, config Config) *Broker {
	if config.AckWait <= 0 {
		config.AckWait = DefaultAckWait
	}

	return &Broker{js: js, config: config}
}

// EnsureStream creates or updates the stream, capturing all the Broker subjects.
func (b *Broker) EnsureStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.config.Stream,
		Subjects: []string{b.config.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("eventuallyjetstream.Broker: failed to create stream %q, %w", b.config.Stream, err)
	}

	return nil
}

func (b *Broker) subject(id event.StreamID) (string, error) {
	if id == "" || strings.ContainsAny(string(id), ".*> ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamID, id)
	}

	return b.config.SubjectPrefix + "." + id.Category() + "." + string(id), nil
}

func (b *Broker) filterSubject(target event.Target) (string, error) {
	switch t := target.(type) {
	case nil, event.All:
		return b.config.SubjectPrefix + ".>", nil
	case event.ByCategory:
		return b.config.SubjectPrefix + "." + string(t) + ".*", nil
	case event.ByStream:
		return b.subject(event.StreamID(t))
	default:
		return "", fmt.Errorf("unsupported target type %T", t)
	}
}

// Append publishes the records, deduplicated by event id, and returns
// them with their positions assigned.
func (b *Broker) Append(ctx context.Context, records ...event.Record) ([]event.Record, error) {
	appended := make([]event.Record, 0, len(records))

	for _, record := range records {
		subject, err := b.subject(record.Stream)
		if err != nil {
			return nil, fmt.Errorf("eventuallyjetstream.Broker: failed to append, %w", err)
		}

		if record.EventID == uuid.Nil {
			record.EventID = uuid.New()
		}

		msg := nats.NewMsg(subject)
		msg.Data = record.Data
		msg.Header.Set(jetstream.MsgIDHeader, record.EventID.String())
		msg.Header.Set(HeaderEventType, record.EventType)
		msg.Header.Set(HeaderContentType, record.ContentType)

		if record.StreamPosition > 0 {
			msg.Header.Set(HeaderStreamPosition, strconv.FormatUint(record.StreamPosition, 10))
		}

		if len(record.Metadata) > 0 {
			msg.Header.Set(HeaderMetadata, string(record.Metadata))
		}

		ack, err := b.js.PublishMsg(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("eventuallyjetstream.Broker: failed to publish record, %w", err)
		}

		record.Position = ack.Sequence
		appended = append(appended, record)
	}

	return appended, nil
}

// SubscribePersistent creates or updates the durable consumer of the group,
// and starts pulling messages from it.
func (b *Broker) SubscribePersistent(
	ctx context.Context,
	req subscription.PersistentRequest,
) (subscription.PersistentSubscription, error) {
	if req.OnMessage == nil {
		return nil, fmt.Errorf("eventuallyjetstream.Broker: failed to subscribe, OnMessage callback is nil")
	}

	filter, err := b.filterSubject(req.Target)
	if err != nil {
		return nil, fmt.Errorf("eventuallyjetstream.Broker: failed to subscribe, %w", err)
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.config.Stream, jetstream.ConsumerConfig{
		Durable:       req.Group,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       b.config.AckWait,
		MaxDeliver:    b.config.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("eventuallyjetstream.Broker: failed to create consumer %q, %w", req.Group, err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("eventuallyjetstream.Broker: failed to pull messages, %w", err)
	}

	sub := &persistentSubscription{
		iter:   iter,
		req:    req,
		logger: b.config.Logger,
		done:   make(chan struct{}),
	}

	go sub.run()

	return sub, nil
}

// Message is a subscription.BrokerMessage delivered by JetStream.
type Message struct {
	msg    jetstream.Msg
	record event.Record

	// Delivered is the number of times the message has been delivered.
	Delivered uint64
}

// Record returns the record carried by the message.
func (m Message) Record() event.Record { return m.record }

func newMessage(msg jetstream.Msg) (Message, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return Message{}, fmt.Errorf("failed to read message metadata, %w", err)
	}

	headers := msg.Headers()
	record := event.Record{
		EventType:   headers.Get(HeaderEventType),
		ContentType: headers.Get(HeaderContentType),
		Position:    meta.Sequence.Stream,
		Created:     meta.Timestamp,
		Data:        msg.Data(),
	}

	if tokens := strings.SplitN(msg.Subject(), ".", 3); len(tokens) == 3 {
		record.Stream = event.StreamID(tokens[2])
	}

	record.EventID, _ = uuid.Parse(headers.Get(jetstream.MsgIDHeader))
	record.StreamPosition, _ = strconv.ParseUint(headers.Get(HeaderStreamPosition), 10, 64)

	if metadata := headers.Get(HeaderMetadata); metadata != "" {
		record.Metadata = []byte(metadata)
	}

	return Message{msg: msg, record: record, Delivered: meta.NumDelivered}, nil
}

type persistentSubscription struct {
	iter   jetstream.MessagesContext
	req    subscription.PersistentRequest
	logger logger.Logger
	done   chan struct{}

	mx     sync.Mutex
	closed bool
}

func (sub *persistentSubscription) run() {
	reason, err := sub.consume()

	sub.mx.Lock()
	closed := sub.closed
	sub.mx.Unlock()

	close(sub.done)

	if err == nil || closed || sub.req.OnDropped == nil {
		return
	}

	sub.req.OnDropped(reason, err)
}

func (sub *persistentSubscription) consume() (subscription.DropReason, error) {
	ctx := context.Background()

	for {
		msg, err := sub.iter.Next()
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return subscription.Stopped, nil
		}

		if err != nil {
			logger.Error(sub.logger, "failed to pull message", logger.WithError(err))
			sub.iter.Stop()

			return subscription.ServerError, fmt.Errorf("eventuallyjetstream.Broker: failed to pull message, %w", err)
		}

		message, err := newMessage(msg)
		if err != nil {
			sub.iter.Stop()
			return subscription.SubscriptionError, err
		}

		if err := sub.req.OnMessage(ctx, message); err != nil {
			sub.iter.Stop()
			return subscription.SubscriptionError, err
		}
	}
}

// Ack acknowledges every message individually, as JetStream has no bulk
// acknowledgement for explicit ack consumers.
func (sub *persistentSubscription) Ack(ctx context.Context, msgs []subscription.BrokerMessage) error {
	var errs []error

	for _, msg := range msgs {
		m, ok := msg.(Message)
		if !ok {
			errs = append(errs, fmt.Errorf("unexpected message type %T", msg))
			continue
		}

		if err := m.msg.Ack(); err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", m.record.Position, err))
		}

		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("eventuallyjetstream.Broker: failed to ack messages, %w", err)
	}

	return nil
}

// Nack maps the NackAction onto JetStream: retries are negatively
// acknowledged, parked messages are terminated and skipped ones acknowledged.
func (sub *persistentSubscription) Nack(
	_ context.Context,
	action subscription.NackAction,
	msg subscription.BrokerMessage,
	reason error,
) error {
	m, ok := msg.(Message)
	if !ok {
		return fmt.Errorf("eventuallyjetstream.Broker: unexpected message type %T", msg)
	}

	var err error

	switch action {
	case subscription.NackPark:
		err = m.msg.TermWithReason(reasonText(reason))
	case subscription.NackSkip:
		err = m.msg.Ack()
	default:
		err = m.msg.Nak()
	}

	if err != nil {
		return fmt.Errorf("eventuallyjetstream.Broker: failed to %s message, %w", action, err)
	}

	return nil
}

func reasonText(err error) string {
	if err == nil {
		return "parked"
	}

	return err.Error()
}

// Close stops pulling messages, without notifying the drop callback.
// Delivered messages can still be settled after Close.
func (sub *persistentSubscription) Close(ctx context.Context) error {
	sub.mx.Lock()
	sub.closed = true
	sub.mx.Unlock()

	sub.iter.Stop()

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventuallyjetstream.Broker: failed to close subscription, %w", ctx.Err())
	}
}
