package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/get-eventually/go-eventually-subscriptions/logger"
)

// Completion is produced when the processing of a received message
// has finished, either successfully or with an acknowledged failure.
type Completion struct {
	Position uint64
	Sequence uint64
	Created  time.Time
}

func lessBySequence(a, b Completion) bool { return a.Sequence < b.Sequence }

// CommitHandler tracks out-of-order Completions and persists the highest
// position reachable through a contiguous run of sequence numbers.
//
// Sequence numbers are expected to start from 0 for each CommitHandler
// instance, and to be assigned in receive order. The checkpoint never moves
// past a sequence number until all the lower ones have been completed.
//
// Writes are batched: a committable position is held in memory until either
// the batch size has been reached or the configured delay has elapsed since
// the last write. Use Run to flush held positions in the background, and Close
// to flush them on shutdown.
type CommitHandler struct {
	subscriptionID string
	store          Store
	metrics        Metrics
	logger         logger.Logger
	batchSize      int
	delay          time.Duration
	now            func() time.Time

	mx            sync.Mutex
	pending       *btree.BTreeG[Completion]
	nextExpected  uint64
	candidate     *uint64
	drained       int
	lastFlush     time.Time
	lastCommitted *uint64
}

// NewCommitHandler returns a new CommitHandler for the subscription,
// persisting checkpoints on the specified Store.
func NewCommitHandler(subscriptionID string, store Store, options ...Option[*CommitHandler]) *CommitHandler {
	if store == nil {
		panic("checkpoint.NewCommitHandler: store must not be nil")
	}

	h := &CommitHandler{
		subscriptionID: subscriptionID,
		store:          store,
		metrics:        NopMetrics{},
		batchSize:      DefaultBatchSize,
		delay:          DefaultDelay,
		now:            time.Now,
		pending:        btree.NewG(16, lessBySequence),
	}

	for _, opt := range options {
		opt.apply(h)
	}

	h.lastFlush = h.now()

	return h
}

// Delay returns the maximum time a committable position is held in memory.
func (h *CommitHandler) Delay() time.Duration { return h.delay }

// Commit records the Completion and writes the checkpoint if the
// contiguous frontier advanced enough.
//
// Completions for sequence numbers already drained, or already recorded,
// are discarded. When the checkpoint write fails the error is returned
// and the recorded completions are left untouched, so that a later call
// can retry the same range.
func (h *CommitHandler) Commit(ctx context.Context, completion Completion) error {
	h.mx.Lock()
	defer h.mx.Unlock()

	if completion.Sequence < h.nextExpected || h.pending.Has(completion) {
		logger.Debug(h.logger, "duplicate completion discarded",
			logger.With("sequence", completion.Sequence),
			logger.With("position", completion.Position),
		)

		return nil
	}

	h.pending.ReplaceOrInsert(completion)
	defer func() { h.metrics.RecordPendingCheckpoints(ctx, h.subscriptionID, h.pending.Len()) }()

	run, position := h.contiguousRun()
	if run == 0 {
		return nil
	}

	if h.drained+run >= h.batchSize || h.now().Sub(h.lastFlush) >= h.delay {
		if err := h.write(ctx, position, false); err != nil {
			return err
		}

		h.drain(run)

		return nil
	}

	h.drain(run)
	h.drained += run
	h.candidate = &position

	return nil
}

// Flush writes the held committable position, if any.
//
// Unless force is true, the write only happens when the configured delay
// has elapsed since the last one.
func (h *CommitHandler) Flush(ctx context.Context, force bool) error {
	h.mx.Lock()
	defer h.mx.Unlock()

	if h.candidate == nil {
		return nil
	}

	if !force && h.now().Sub(h.lastFlush) < h.delay {
		return nil
	}

	return h.write(ctx, *h.candidate, force)
}

// Run periodically flushes the held committable position, until the context
// is canceled or a write fails.
func (h *CommitHandler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.Flush(ctx, false); err != nil {
				return err
			}
		}
	}
}

// Close forces a write of the held committable position.
func (h *CommitHandler) Close(ctx context.Context) error {
	return h.Flush(ctx, true)
}

// LastCommitted returns the last durably written position, if any.
func (h *CommitHandler) LastCommitted() (uint64, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if h.lastCommitted == nil {
		return 0, false
	}

	return *h.lastCommitted, true
}

// Pending returns the number of recorded completions that are not
// contiguous yet with the committable frontier.
func (h *CommitHandler) Pending() int {
	h.mx.Lock()
	defer h.mx.Unlock()

	return h.pending.Len()
}

// NextExpected returns the lowest sequence number not completed yet.
func (h *CommitHandler) NextExpected() uint64 {
	h.mx.Lock()
	defer h.mx.Unlock()

	return h.nextExpected
}

// contiguousRun returns the number of recorded completions contiguous with
// the frontier, and the position of the last one, without removing them.
func (h *CommitHandler) contiguousRun() (int, uint64) {
	var (
		run      int
		position uint64
		expected = h.nextExpected
	)

	h.pending.Ascend(func(item Completion) bool {
		if item.Sequence != expected {
			return false
		}

		run++
		expected++
		position = item.Position

		return true
	})

	return run, position
}

func (h *CommitHandler) drain(run int) {
	for i := 0; i < run; i++ {
		h.pending.DeleteMin()
	}

	h.nextExpected += uint64(run)
}

// write must be called with the lock held.
func (h *CommitHandler) write(ctx context.Context, position uint64, force bool) error {
	if _, err := h.store.StoreCheckpoint(ctx, At(h.subscriptionID, position), force); err != nil {
		return fmt.Errorf("checkpoint.CommitHandler: failed to store checkpoint at %d: %w", position, err)
	}

	h.candidate = nil
	h.drained = 0
	h.lastFlush = h.now()
	h.lastCommitted = &position

	h.metrics.RecordCheckpointCommit(ctx, h.subscriptionID, position)

	logger.Debug(h.logger, "checkpoint committed",
		logger.With("subscriptionId", h.subscriptionID),
		logger.With("position", position),
	)

	return nil
}
