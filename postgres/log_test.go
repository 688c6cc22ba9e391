package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/postgres"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

func userRecord(stream string, i int) event.Record {
	return event.Record{
		EventType:   "UserCreated",
		ContentType: "application/json",
		Stream:      event.StreamID(stream),
		Data:        []byte(fmt.Sprintf(`{"id":"%d"}`, i)),
		Metadata:    []byte(`{"tenant":"acme"}`),
	}
}

type positions struct {
	mx    sync.Mutex
	items []uint64
}

func (p *positions) onRecord(_ context.Context, record event.Record) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.items = append(p.items, record.Position)

	return nil
}

func (p *positions) Get() []uint64 {
	p.mx.Lock()
	defer p.mx.Unlock()

	return append([]uint64(nil), p.items...)
}

func TestLog(t *testing.T) {
	container := setup(t)
	ctx := context.Background()

	log := postgres.NewLog(container.Pool,
		postgres.WithBatchSize(2),
		postgres.WithPullInterval(5*time.Millisecond, 50*time.Millisecond),
		postgres.WithLogger(logger.NewTest(t)),
	)

	tail, err := log.TailPosition(ctx)
	require.NoError(t, err)
	assert.Zero(t, tail)

	appended, err := log.Append(ctx,
		userRecord("user-1", 1),
		userRecord("order-1", 2),
		userRecord("user-1", 3),
		userRecord("user-2", 4),
	)
	require.NoError(t, err)
	require.Len(t, appended, 4)

	assert.Equal(t, uint64(1), appended[0].Position)
	assert.Equal(t, uint64(4), appended[3].Position)
	assert.Equal(t, uint64(2), appended[2].StreamPosition)
	assert.False(t, appended[0].Created.IsZero())

	tail, err = log.TailPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tail)

	t.Run("delivers the records after the position, in order", func(t *testing.T) {
		received := new(positions)
		after := uint64(1)

		sub, err := log.Subscribe(ctx, subscription.SubscribeRequest{
			Target:   event.All{},
			After:    &after,
			OnRecord: received.onRecord,
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(received.Get()) == 3 }, waitFor, tick)

		_, err = log.Append(ctx, userRecord("user-3", 5))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(received.Get()) == 4 }, waitFor, tick)
		assert.Equal(t, []uint64{2, 3, 4, 5}, received.Get())

		require.NoError(t, sub.Close(ctx))
	})

	t.Run("filters records by target", func(t *testing.T) {
		byCategory, byStream := new(positions), new(positions)

		categorySub, err := log.Subscribe(ctx, subscription.SubscribeRequest{
			Target:   event.ByCategory("order"),
			OnRecord: byCategory.onRecord,
		})
		require.NoError(t, err)

		streamSub, err := log.Subscribe(ctx, subscription.SubscribeRequest{
			Target:   event.ByStream("user-1"),
			OnRecord: byStream.onRecord,
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(byCategory.Get()) == 1 && len(byStream.Get()) == 2
		}, waitFor, tick)

		assert.Equal(t, []uint64{2}, byCategory.Get())
		assert.Equal(t, []uint64{1, 3}, byStream.Get())

		require.NoError(t, categorySub.Close(ctx))
		require.NoError(t, streamSub.Close(ctx))
	})

	t.Run("callback failures drop the subscription", func(t *testing.T) {
		dropped := make(chan subscription.DropReason, 1)

		_, err := log.Subscribe(ctx, subscription.SubscribeRequest{
			Target:    event.All{},
			OnRecord:  func(context.Context, event.Record) error { return fmt.Errorf("boom") },
			OnDropped: func(reason subscription.DropReason, _ error) { dropped <- reason },
		})
		require.NoError(t, err)

		select {
		case reason := <-dropped:
			assert.Equal(t, subscription.SubscriptionError, reason)
		case <-time.After(waitFor):
			t.Fatal("subscription was not dropped")
		}
	})
}

func TestCatchUp_Postgres(t *testing.T) {
	container := setup(t)
	ctx := context.Background()

	log := postgres.NewLog(container.Pool, postgres.WithPullInterval(5*time.Millisecond, 20*time.Millisecond))
	store := postgres.CheckpointStore{Conn: container.Pool}

	for i := 1; i <= 6; i++ {
		_, err := log.Append(ctx, userRecord(fmt.Sprintf("user-%d", i), i))
		require.NoError(t, err)
	}

	received := new(positions)

	run := func(expected int) {
		handlers, err := subscription.NewHandlerSet()
		require.NoError(t, err)
		require.NoError(t, handlers.Add("positions", subscription.HandlerFunc(
			func(ctx context.Context, msg *subscription.Context) error {
				return received.onRecord(ctx, event.Record{Position: msg.Message.GlobalPosition})
			},
		)))

		sub := subscription.NewCatchUp("users-projection", log, store, handlers,
			subscription.WithCheckpointCommit(4, time.Hour),
			subscription.WithGapMeasureInterval(0),
		)

		require.NoError(t, sub.Subscribe(ctx, nil, nil))
		require.Eventually(t, func() bool { return len(received.Get()) == expected }, waitFor, tick)
		require.NoError(t, sub.Unsubscribe(ctx, nil))
	}

	run(6)

	cp, err := store.GetLastCheckpoint(ctx, "users-projection")
	require.NoError(t, err)
	require.NotNil(t, cp.Position)
	assert.Equal(t, uint64(6), *cp.Position)

	_, err = log.Append(ctx, userRecord("user-7", 7))
	require.NoError(t, err)

	// Restarting resumes right after the stored checkpoint.
	run(7)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, received.Get())
}
