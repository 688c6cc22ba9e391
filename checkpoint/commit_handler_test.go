package checkpoint_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.now = c.now.Add(d)
}

// recordingStore records every write, and fails them while err is set.
type recordingStore struct {
	checkpoint.Store

	mx      sync.Mutex
	err     error
	writes  []uint64
	forced  []bool
	onWrite func(position uint64)
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: checkpoint.NewInMemoryStore()}
}

func (s *recordingStore) StoreCheckpoint(ctx context.Context, cp checkpoint.Checkpoint, force bool) (checkpoint.Checkpoint, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.err != nil {
		return checkpoint.Checkpoint{}, s.err
	}

	if s.onWrite != nil {
		s.onWrite(*cp.Position)
	}

	s.writes = append(s.writes, *cp.Position)
	s.forced = append(s.forced, force)

	return s.Store.StoreCheckpoint(ctx, cp, force)
}

func (s *recordingStore) Writes() []uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()

	return append([]uint64(nil), s.writes...)
}

func (s *recordingStore) SetError(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.err = err
}

type pendingRecorder struct {
	checkpoint.NopMetrics

	mx      sync.Mutex
	pending []int
}

func (r *pendingRecorder) RecordPendingCheckpoints(_ context.Context, _ string, pending int) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.pending = append(r.pending, pending)
}

func completion(sequence, position uint64) checkpoint.Completion {
	return checkpoint.Completion{Sequence: sequence, Position: position}
}

func TestCommitHandler_OutOfOrderDrain(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	metrics := new(pendingRecorder)

	handler := checkpoint.NewCommitHandler(subscriptionID, store,
		checkpoint.WithBatchSize(2),
		checkpoint.WithDelay(time.Hour),
		checkpoint.WithMetrics(metrics),
		checkpoint.WithLogger(logger.NewTest(t)),
	)

	require.NoError(t, handler.Commit(ctx, completion(0, 100)))
	assert.Empty(t, store.Writes())
	assert.Equal(t, uint64(1), handler.NextExpected())

	require.NoError(t, handler.Commit(ctx, completion(2, 102)))
	assert.Empty(t, store.Writes())
	assert.Equal(t, 1, handler.Pending())
	assert.Equal(t, uint64(1), handler.NextExpected())

	require.NoError(t, handler.Commit(ctx, completion(1, 101)))
	assert.Equal(t, []uint64{102}, store.Writes())
	assert.Equal(t, 0, handler.Pending())
	assert.Equal(t, uint64(3), handler.NextExpected())

	committed, ok := handler.LastCommitted()
	assert.True(t, ok)
	assert.Equal(t, uint64(102), committed)

	assert.Equal(t, []int{0, 1, 0}, metrics.pending)
}

func TestCommitHandler_GapConvergence(t *testing.T) {
	const n = 200

	for _, batchSize := range []int{1, 7, 50, n * 2} {
		rng := rand.New(rand.NewSource(int64(batchSize)))
		permutation := rng.Perm(n)

		completed := make(map[uint64]bool, n)
		store := newRecordingStore()

		// No write may ever cover a sequence number with a gap below it.
		store.onWrite = func(position uint64) {
			for seq := uint64(0); seq <= position-1000; seq++ {
				assert.True(t, completed[seq], "position %d committed before sequence %d completed", position, seq)
			}
		}

		handler := checkpoint.NewCommitHandler(subscriptionID, store,
			checkpoint.WithBatchSize(batchSize),
			checkpoint.WithDelay(time.Hour),
		)

		ctx := context.Background()

		for _, i := range permutation {
			seq := uint64(i)
			completed[seq] = true
			require.NoError(t, handler.Commit(ctx, completion(seq, 1000+seq)))
		}

		require.NoError(t, handler.Close(ctx))

		writes := store.Writes()
		require.NotEmpty(t, writes)
		assert.Equal(t, uint64(1000+n-1), writes[len(writes)-1], "batch size %d", batchSize)
		assert.IsIncreasing(t, writes)
		assert.Equal(t, 0, handler.Pending())
	}
}

func TestCommitHandler_Duplicates(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	handler := checkpoint.NewCommitHandler(subscriptionID, store, checkpoint.WithBatchSize(1))

	require.NoError(t, handler.Commit(ctx, completion(0, 10)))
	require.NoError(t, handler.Commit(ctx, completion(1, 11)))
	require.Equal(t, []uint64{10, 11}, store.Writes())

	t.Run("already committed sequence", func(t *testing.T) {
		require.NoError(t, handler.Commit(ctx, completion(0, 10)))
		assert.Equal(t, uint64(2), handler.NextExpected())
		assert.Equal(t, []uint64{10, 11}, store.Writes())
	})

	t.Run("already pending sequence", func(t *testing.T) {
		require.NoError(t, handler.Commit(ctx, completion(5, 15)))
		require.NoError(t, handler.Commit(ctx, completion(5, 15)))
		assert.Equal(t, 1, handler.Pending())
		assert.Equal(t, []uint64{10, 11}, store.Writes())
	})
}

func TestCommitHandler_StoreFailure(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	handler := checkpoint.NewCommitHandler(subscriptionID, store, checkpoint.WithBatchSize(2), checkpoint.WithDelay(time.Hour))

	storeErr := errors.New("store unavailable")
	store.SetError(storeErr)

	require.NoError(t, handler.Commit(ctx, completion(1, 101)))

	err := handler.Commit(ctx, completion(0, 100))
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 2, handler.Pending())
	assert.Equal(t, uint64(0), handler.NextExpected())

	_, ok := handler.LastCommitted()
	assert.False(t, ok)

	store.SetError(nil)

	require.NoError(t, handler.Commit(ctx, completion(2, 102)))
	assert.Equal(t, []uint64{102}, store.Writes())
	assert.Equal(t, 0, handler.Pending())
	assert.Equal(t, uint64(3), handler.NextExpected())
}

func TestCommitHandler_DelayedFlush(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	clk := newClock()

	handler := checkpoint.NewCommitHandler(subscriptionID, store,
		checkpoint.WithBatchSize(100),
		checkpoint.WithDelay(5*time.Second),
		checkpoint.WithClock(clk.Now),
	)

	require.NoError(t, handler.Commit(ctx, completion(0, 7)))
	require.NoError(t, handler.Flush(ctx, false))
	assert.Empty(t, store.Writes())

	clk.Advance(5 * time.Second)
	require.NoError(t, handler.Flush(ctx, false))
	assert.Equal(t, []uint64{7}, store.Writes())

	t.Run("nothing held, nothing written", func(t *testing.T) {
		clk.Advance(time.Minute)
		require.NoError(t, handler.Flush(ctx, true))
		assert.Equal(t, []uint64{7}, store.Writes())
	})

	t.Run("commits after the delay write immediately", func(t *testing.T) {
		clk.Advance(10 * time.Second)
		require.NoError(t, handler.Commit(ctx, completion(1, 8)))
		assert.Equal(t, []uint64{7, 8}, store.Writes())
	})

	t.Run("close forces the held position", func(t *testing.T) {
		require.NoError(t, handler.Commit(ctx, completion(2, 9)))
		require.NoError(t, handler.Close(ctx))
		assert.Equal(t, []uint64{7, 8, 9}, store.Writes())
		assert.Equal(t, []bool{false, false, true}, store.forced)
	})
}

func TestCommitHandler_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newRecordingStore()
	clk := newClock()
	handler := checkpoint.NewCommitHandler(subscriptionID, store,
		checkpoint.WithBatchSize(100),
		checkpoint.WithDelay(10*time.Millisecond),
		checkpoint.WithClock(clk.Now),
	)

	done := make(chan error, 1)
	go func() { done <- handler.Run(ctx) }()

	require.NoError(t, handler.Commit(ctx, completion(0, 42)))
	clk.Advance(time.Second)

	assert.Eventually(t, func() bool {
		committed, ok := handler.LastCommitted()
		return ok && committed == 42
	}, time.Second, 5*time.Millisecond)

	t.Run("write failures stop the loop", func(t *testing.T) {
		storeErr := errors.New("boom")
		store.SetError(storeErr)

		require.NoError(t, handler.Commit(ctx, completion(1, 43)))
		clk.Advance(time.Second)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, storeErr)
		case <-time.After(time.Second):
			t.Fatal("run loop did not stop")
		}
	})
}
