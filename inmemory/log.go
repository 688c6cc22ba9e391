package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

// ErrInjected is returned by operations failing because of an injected failure.
var ErrInjected = errors.New("inmemory: injected failure")

var (
	_ subscription.LogClient  = &Log{}
	_ subscription.TailReader = &Log{}
)

// Log is a thread-safe, in-memory append-only event log.
//
// Records positions start from 1, and are assigned on append.
type Log struct {
	mx              sync.RWMutex
	records         []event.Record
	streamPositions map[event.StreamID]uint64
	appended        chan struct{}
	subscriptions   map[*logSubscription]struct{}
	failSubscribes  int
	subscribeCalls  int
	failTail        error
	now             func() time.Time
}

// NewLog returns a new, empty Log.
func NewLog() *Log {
	return &Log{
		streamPositions: make(map[event.StreamID]uint64),
		appended:        make(chan struct{}),
		subscriptions:   make(map[*logSubscription]struct{}),
		now:             time.Now,
	}
}

// Append appends the records to the Log, assigning them their positions,
// and returns the appended records.
//
// Missing event ids and creation times are filled in.
func (l *Log) Append(_ context.Context, records ...event.Record) ([]event.Record, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	appended := make([]event.Record, 0, len(records))

	for _, record := range records {
		if record.EventType == "" {
			return nil, fmt.Errorf("inmemory.Log: failed to append, record event type is empty")
		}

		if record.EventID == uuid.Nil {
			record.EventID = uuid.New()
		}

		if record.Created.IsZero() {
			record.Created = l.now()
		}

		l.streamPositions[record.Stream]++
		record.StreamPosition = l.streamPositions[record.Stream]
		record.Position = uint64(len(l.records)) + 1

		l.records = append(l.records, record)
		appended = append(appended, record)
	}

	close(l.appended)
	l.appended = make(chan struct{})

	return appended, nil
}

// TailPosition returns the position of the last record in the Log,
// or 0 if the Log is empty.
func (l *Log) TailPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("inmemory.Log: context error, %w", err)
	}

	l.mx.RLock()
	defer l.mx.RUnlock()

	if l.failTail != nil {
		return 0, l.failTail
	}

	return uint64(len(l.records)), nil
}

// FailSubscribes makes the next n Subscribe calls fail with ErrInjected.
func (l *Log) FailSubscribes(n int) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.failSubscribes = n
}

// FailTail makes TailPosition fail with the specified error, or succeed again with nil.
func (l *Log) FailTail(err error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.failTail = err
}

// SubscribeCalls returns the number of Subscribe calls received so far.
func (l *Log) SubscribeCalls() int {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return l.subscribeCalls
}

// Active returns the number of open subscriptions.
func (l *Log) Active() int {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return len(l.subscriptions)
}

// Drop terminates all the open subscriptions, notifying them with
// the specified reason and error.
func (l *Log) Drop(reason subscription.DropReason, err error) {
	l.mx.RLock()
	subscriptions := make([]*logSubscription, 0, len(l.subscriptions))
	for sub := range l.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	l.mx.RUnlock()

	for _, sub := range subscriptions {
		sub.drop(reason, err)
	}
}

// Subscribe opens a catch-up subscription, delivering all the matching
// records after the requested position, and then all the new ones as they
// get appended.
func (l *Log) Subscribe(ctx context.Context, req subscription.SubscribeRequest) (subscription.LogSubscription, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.subscribeCalls++

	if l.failSubscribes > 0 {
		l.failSubscribes--
		return nil, fmt.Errorf("inmemory.Log: failed to subscribe, %w", ErrInjected)
	}

	var cursor uint64
	if req.After != nil {
		cursor = *req.After
	}

	ctx, cancel := context.WithCancel(ctx)

	sub := &logSubscription{
		log:    l,
		req:    req,
		cursor: cursor,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	l.subscriptions[sub] = struct{}{}

	go sub.run(ctx)

	return sub, nil
}

// next returns the records to deliver after the cursor, and a channel
// closed on the next append.
func (l *Log) next(cursor uint64) ([]event.Record, <-chan struct{}) {
	l.mx.RLock()
	defer l.mx.RUnlock()

	if cursor >= uint64(len(l.records)) {
		return nil, l.appended
	}

	records := make([]event.Record, len(l.records)-int(cursor))
	copy(records, l.records[cursor:])

	return records, l.appended
}

func (l *Log) remove(sub *logSubscription) {
	l.mx.Lock()
	defer l.mx.Unlock()

	delete(l.subscriptions, sub)
}

type logSubscription struct {
	log    *Log
	req    subscription.SubscribeRequest
	cursor uint64
	cancel context.CancelFunc
	done   chan struct{}

	mx         sync.Mutex
	closed     bool
	dropReason *subscription.DropReason
	dropErr    error
}

func (sub *logSubscription) run(ctx context.Context) {
	defer func() {
		sub.log.remove(sub)
		close(sub.done)

		sub.mx.Lock()
		reason, err, closed := sub.dropReason, sub.dropErr, sub.closed
		sub.mx.Unlock()

		if reason != nil && !closed && sub.req.OnDropped != nil {
			sub.req.OnDropped(*reason, err)
		}
	}()

	for {
		records, appended := sub.log.next(sub.cursor)

		for _, record := range records {
			if ctx.Err() != nil {
				return
			}

			sub.cursor = record.Position

			if !event.Matches(sub.req.Target, record) {
				continue
			}

			if err := sub.req.OnRecord(ctx, record); err != nil {
				sub.setDrop(subscription.SubscriptionError, err)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-appended:
		}
	}
}

func (sub *logSubscription) setDrop(reason subscription.DropReason, err error) {
	sub.mx.Lock()
	defer sub.mx.Unlock()

	if sub.dropReason == nil {
		sub.dropReason, sub.dropErr = &reason, err
	}
}

func (sub *logSubscription) drop(reason subscription.DropReason, err error) {
	sub.setDrop(reason, err)
	sub.cancel()
}

// Close terminates the subscription without notifying the drop callback.
func (sub *logSubscription) Close(ctx context.Context) error {
	sub.mx.Lock()
	sub.closed = true
	sub.mx.Unlock()

	sub.cancel()

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inmemory.Log: failed to close subscription, %w", ctx.Err())
	}
}
