package kafka_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/kafka"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

const (
	waitFor = 30 * time.Second
	tick    = 20 * time.Millisecond
)

func userRecord(i int) event.Record {
	return event.Record{
		EventType:   "UserCreated",
		ContentType: "application/json",
		Stream:      event.StreamID(fmt.Sprintf("user-%d", i)),
		Data:        []byte(fmt.Sprintf(`{"id":"%d"}`, i)),
		Metadata:    []byte(`{"tenant":"acme"}`),
	}
}

type received struct {
	mx      sync.Mutex
	records []event.Record
}

func (r *received) onRecord(_ context.Context, record event.Record) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.records = append(r.records, record)

	return nil
}

func (r *received) Positions() []uint64 {
	r.mx.Lock()
	defer r.mx.Unlock()

	positions := make([]uint64, 0, len(r.records))
	for _, record := range r.records {
		positions = append(positions, record.Position)
	}

	return positions
}

func (r *received) First() event.Record {
	r.mx.Lock()
	defer r.mx.Unlock()

	return r.records[0]
}

func TestLog(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("subscriptions"))
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	log, err := kafka.NewLog(kafka.Config{
		Brokers: brokers,
		Topic:   "users",
		Logger:  logger.NewTest(t),
	})
	require.NoError(t, err)

	t.Cleanup(log.Close)

	require.NoError(t, log.EnsureTopic(ctx, 1))
	require.NoError(t, log.EnsureTopic(ctx, 1))

	tail, err := log.TailPosition(ctx)
	require.NoError(t, err)
	assert.Zero(t, tail)

	appended, err := log.Append(ctx, userRecord(1), userRecord(2), userRecord(3))
	require.NoError(t, err)
	require.Len(t, appended, 3)
	assert.Equal(t, uint64(1), appended[0].Position)
	assert.Equal(t, uint64(3), appended[2].Position)

	tail, err = log.TailPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tail)

	t.Run("delivers records after the position, with their attributes", func(t *testing.T) {
		rec := new(received)
		after := uint64(1)

		sub, err := log.Subscribe(ctx, subscription.SubscribeRequest{
			Target:   event.All{},
			After:    &after,
			OnRecord: rec.onRecord,
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(rec.Positions()) == 2 }, waitFor, tick)
		assert.Equal(t, []uint64{2, 3}, rec.Positions())

		first := rec.First()
		assert.Equal(t, appended[1].EventID, first.EventID)
		assert.Equal(t, "UserCreated", first.EventType)
		assert.Equal(t, "application/json", first.ContentType)
		assert.Equal(t, event.StreamID("user-2"), first.Stream)
		assert.JSONEq(t, `{"tenant":"acme"}`, string(first.Metadata))

		require.NoError(t, sub.Close(ctx))
	})

	t.Run("catch-up subscription checkpoints positions", func(t *testing.T) {
		store := checkpoint.NewInMemoryStore()
		rec := new(received)

		handlers, err := subscription.NewHandlerSet()
		require.NoError(t, err)
		require.NoError(t, handlers.Add("received", subscription.HandlerFunc(
			func(ctx context.Context, msg *subscription.Context) error {
				return rec.onRecord(ctx, event.Record{Position: msg.Message.GlobalPosition})
			},
		)))

		sub := subscription.NewCatchUp("users-projection", log, store, handlers,
			subscription.WithCheckpointCommit(1, time.Hour),
			subscription.WithGapMeasureInterval(0),
		)

		require.NoError(t, sub.Subscribe(ctx, nil, nil))

		_, err = log.Append(ctx, userRecord(4))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(rec.Positions()) == 4 }, waitFor, tick)
		require.NoError(t, sub.Unsubscribe(ctx, nil))

		assert.Equal(t, []uint64{1, 2, 3, 4}, rec.Positions())
		assert.Equal(t, []uint64{1, 2, 3, 4}, store.History("users-projection"))
	})
}
