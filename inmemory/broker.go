package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

var _ subscription.Broker = &Broker{}

// Message is the subscription.BrokerMessage delivered by the Broker.
type Message struct {
	record  event.Record
	Attempt int
}

// Record implements subscription.BrokerMessage.
func (m Message) Record() event.Record { return m.record }

// Nack is a negative acknowledgement received by the Broker.
type Nack struct {
	Position uint64
	Action   subscription.NackAction
	Reason   error
}

// Broker is an in-memory competing-consumer broker, delivering the records
// of a Log to persistent subscriptions.
//
// Each consumer group tracks acknowledged and parked records: records delivered
// but never acknowledged are redelivered to the next subscription of the group,
// and records nacked with NackRetry are redelivered right away.
type Broker struct {
	log *Log

	mx            sync.Mutex
	groups        map[string]*group
	subscriptions map[*brokerSubscription]struct{}
	failAcks      error
}

type group struct {
	settled map[uint64]bool
	parked  []uint64
	acks    [][]uint64
	nacks   []Nack
	retries map[uint64]int
}

// NewBroker returns a new Broker delivering the records of the Log.
func NewBroker(log *Log) *Broker {
	return &Broker{
		log:           log,
		groups:        make(map[string]*group),
		subscriptions: make(map[*brokerSubscription]struct{}),
	}
}

func (b *Broker) group(name string) *group {
	g, ok := b.groups[name]
	if !ok {
		g = &group{settled: make(map[uint64]bool), retries: make(map[uint64]int)}
		b.groups[name] = g
	}

	return g
}

// AckCalls returns the positions acknowledged by each bulk ack call of the group.
func (b *Broker) AckCalls(groupName string) [][]uint64 {
	b.mx.Lock()
	defer b.mx.Unlock()

	return append([][]uint64(nil), b.group(groupName).acks...)
}

// Nacks returns the negative acknowledgements received for the group.
func (b *Broker) Nacks(groupName string) []Nack {
	b.mx.Lock()
	defer b.mx.Unlock()

	return append([]Nack(nil), b.group(groupName).nacks...)
}

// Parked returns the positions parked for the group.
func (b *Broker) Parked(groupName string) []uint64 {
	b.mx.Lock()
	defer b.mx.Unlock()

	return append([]uint64(nil), b.group(groupName).parked...)
}

// FailAcks makes ack calls fail with the specified error, or succeed again with nil.
func (b *Broker) FailAcks(err error) {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.failAcks = err
}

// Drop terminates all the open subscriptions, notifying them with
// the specified reason and error.
func (b *Broker) Drop(reason subscription.DropReason, err error) {
	b.mx.Lock()
	subscriptions := make([]*brokerSubscription, 0, len(b.subscriptions))
	for sub := range b.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	b.mx.Unlock()

	for _, sub := range subscriptions {
		sub.inner.drop(reason, err)
	}
}

// SubscribePersistent opens a persistent subscription on the consumer group.
func (b *Broker) SubscribePersistent(
	ctx context.Context,
	req subscription.PersistentRequest,
) (subscription.PersistentSubscription, error) {
	sub := &brokerSubscription{broker: b, group: req.Group, onMessage: req.OnMessage}

	handle, err := b.log.Subscribe(ctx, subscription.SubscribeRequest{
		Target: req.Target,
		OnRecord: func(ctx context.Context, record event.Record) error {
			if b.isSettled(req.Group, record.Position) {
				return nil
			}

			return req.OnMessage(ctx, Message{record: record, Attempt: 1})
		},
		OnDropped: func(reason subscription.DropReason, err error) {
			b.remove(sub)

			if req.OnDropped != nil {
				req.OnDropped(reason, err)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inmemory.Broker: failed to subscribe, %w", err)
	}

	sub.inner = handle.(*logSubscription)

	b.mx.Lock()
	b.subscriptions[sub] = struct{}{}
	b.mx.Unlock()

	return sub, nil
}

func (b *Broker) isSettled(groupName string, position uint64) bool {
	b.mx.Lock()
	defer b.mx.Unlock()

	return b.group(groupName).settled[position]
}

func (b *Broker) remove(sub *brokerSubscription) {
	b.mx.Lock()
	defer b.mx.Unlock()

	delete(b.subscriptions, sub)
}

type brokerSubscription struct {
	broker    *Broker
	group     string
	inner     *logSubscription
	onMessage func(ctx context.Context, msg subscription.BrokerMessage) error
}

// Ack acknowledges the messages in a single call.
func (sub *brokerSubscription) Ack(_ context.Context, msgs []subscription.BrokerMessage) error {
	sub.broker.mx.Lock()
	defer sub.broker.mx.Unlock()

	if sub.broker.failAcks != nil {
		return sub.broker.failAcks
	}

	g := sub.broker.group(sub.group)
	positions := make([]uint64, 0, len(msgs))

	for _, msg := range msgs {
		position := msg.Record().Position
		g.settled[position] = true
		positions = append(positions, position)
	}

	g.acks = append(g.acks, positions)

	return nil
}

// Nack records the failure and applies the NackAction.
func (sub *brokerSubscription) Nack(
	ctx context.Context,
	action subscription.NackAction,
	msg subscription.BrokerMessage,
	reason error,
) error {
	position := msg.Record().Position

	sub.broker.mx.Lock()

	g := sub.broker.group(sub.group)
	g.nacks = append(g.nacks, Nack{Position: position, Action: action, Reason: reason})

	var attempt int

	switch action {
	case subscription.NackPark:
		g.settled[position] = true
		g.parked = append(g.parked, position)
	case subscription.NackSkip:
		g.settled[position] = true
	case subscription.NackRetry:
		g.retries[position]++
		attempt = g.retries[position] + 1
	}

	sub.broker.mx.Unlock()

	if action == subscription.NackRetry {
		redelivery := Message{record: msg.Record(), Attempt: attempt}

		go func() {
			_ = sub.onMessage(context.WithoutCancel(ctx), redelivery)
		}()
	}

	return nil
}

// Close terminates the subscription without notifying the drop callback.
func (sub *brokerSubscription) Close(ctx context.Context) error {
	sub.broker.remove(sub)
	return sub.inner.Close(ctx)
}
