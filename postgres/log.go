package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/postgres/internal"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

var (
	_ subscription.LogClient  = &Log{}
	_ subscription.TailReader = &Log{}
)

var errEmptyEventType = errors.New("record event type is empty")

// appendLockKey is the advisory lock serializing appends, so that
// global positions become visible in order to pulling readers.
const appendLockKey = 7_231_843_206

// Log is an append-only event log stored in the "events" table.
//
// Subscriptions pull new records periodically, backing off exponentially
// while the log is idle.
type Log struct {
	pool            *pgxpool.Pool
	batchSize       int
	pullEvery       time.Duration
	maxPullInterval time.Duration
	logger          logger.Logger
}

// NewLog returns a new Log using the provided connection pool.
func NewLog(pool *pgxpool.Pool, opts ...Option[*Log]) *Log {
	l := &Log{
		pool:            pool,
		batchSize:       DefaultBatchSize,
		pullEvery:       DefaultPullInterval,
		maxPullInterval: DefaultMaxPullInterval,
	}

	for _, opt := range opts {
		opt.apply(l)
	}

	return l
}

// Append appends the records to the log in a single transaction,
// returning them with their positions assigned.
func (l *Log) Append(ctx context.Context, records ...event.Record) ([]event.Record, error) {
	appended := make([]event.Record, 0, len(records))

	err := internal.RunLocked(ctx, l.pool, appendLockKey, func(ctx context.Context, tx pgx.Tx) error {
		for _, record := range records {
			if record.EventType == "" {
				return errEmptyEventType
			}

			if record.EventID == uuid.Nil {
				record.EventID = uuid.New()
			}

			var metadata []byte
			if len(record.Metadata) > 0 {
				metadata = record.Metadata
			}

			row := tx.QueryRow(
				ctx,
				`INSERT INTO events (event_id, stream_id, stream_position, event_type, content_type, data, metadata)
				SELECT $1, $2, COALESCE(MAX(stream_position), 0) + 1, $3, $4, $5, $6
				FROM events WHERE stream_id = $2
				RETURNING global_position, stream_position, created_at`,
				record.EventID, string(record.Stream), record.EventType, record.ContentType, record.Data, metadata,
			)

			var globalPosition, streamPosition int64
			if err := row.Scan(&globalPosition, &streamPosition, &record.Created); err != nil {
				return fmt.Errorf("failed to insert record, %w", err)
			}

			record.Position = uint64(globalPosition)       //nolint:gosec // BIGSERIAL values are positive.
			record.StreamPosition = uint64(streamPosition) //nolint:gosec // Checked by the table constraint.
			appended = append(appended, record)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres.Log: failed to append records: %w", err)
	}

	return appended, nil
}

// TailPosition returns the position of the last record in the log,
// or 0 if the log is empty.
func (l *Log) TailPosition(ctx context.Context) (uint64, error) {
	var tail int64

	if err := l.pool.QueryRow(ctx, "SELECT COALESCE(MAX(global_position), 0) FROM events").Scan(&tail); err != nil {
		return 0, fmt.Errorf("postgres.Log: failed to read tail position: %w", err)
	}

	return uint64(tail), nil //nolint:gosec // BIGSERIAL values are positive.
}

// Subscribe opens a catch-up subscription on the log. Records are read in
// batches, from the requested position onwards.
func (l *Log) Subscribe(ctx context.Context, req subscription.SubscribeRequest) (subscription.LogSubscription, error) {
	if req.OnRecord == nil {
		return nil, fmt.Errorf("postgres.Log: failed to subscribe, OnRecord callback is nil")
	}

	if _, _, err := targetFilter(req.Target); err != nil {
		return nil, fmt.Errorf("postgres.Log: failed to subscribe, %w", err)
	}

	var cursor uint64
	if req.After != nil {
		cursor = *req.After
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub := &logSubscription{
		log:    l,
		req:    req,
		cursor: cursor,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.run(ctx)

	return sub, nil
}

func targetFilter(target event.Target) (string, any, error) {
	switch t := target.(type) {
	case nil, event.All:
		return "", nil, nil
	case event.ByCategory:
		return "AND split_part(stream_id, '-', 1) = $3", string(t), nil
	case event.ByStream:
		return "AND stream_id = $3", string(t), nil
	default:
		return "", nil, fmt.Errorf("unsupported target type %T", t)
	}
}

// read returns the next batch of records matching the target after the cursor.
func (l *Log) read(ctx context.Context, target event.Target, cursor uint64) ([]event.Record, error) {
	filter, value, err := targetFilter(target)
	if err != nil {
		return nil, err
	}

	args := []any{int64(cursor), l.batchSize} //nolint:gosec // Cursors come from BIGSERIAL values.
	if value != nil {
		args = append(args, value)
	}

	rows, err := l.pool.Query(
		ctx,
		`SELECT global_position, event_id, stream_id, stream_position,
			event_type, content_type, data, metadata, created_at
		FROM events
		WHERE global_position > $1 `+filter+`
		ORDER BY global_position
		LIMIT $2`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (event.Record, error) {
		var (
			record                         event.Record
			stream                         string
			globalPosition, streamPosition int64
		)

		err := row.Scan(
			&globalPosition, &record.EventID, &stream, &streamPosition,
			&record.EventType, &record.ContentType, &record.Data, &record.Metadata, &record.Created,
		)

		record.Stream = event.StreamID(stream)
		record.Position = uint64(globalPosition)       //nolint:gosec // BIGSERIAL values are positive.
		record.StreamPosition = uint64(streamPosition) //nolint:gosec // Checked by the table constraint.

		return record, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}

	return records, nil
}

type logSubscription struct {
	log    *Log
	req    subscription.SubscribeRequest
	cursor uint64
	cancel context.CancelFunc
	done   chan struct{}

	mx     sync.Mutex
	closed bool
}

func (sub *logSubscription) run(ctx context.Context) {
	reason, err := sub.pull(ctx)

	sub.mx.Lock()
	closed := sub.closed
	sub.mx.Unlock()

	close(sub.done)

	if err == nil || closed || sub.req.OnDropped == nil {
		return
	}

	sub.req.OnDropped(reason, err)
}

func (sub *logSubscription) pull(ctx context.Context) (subscription.DropReason, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sub.log.pullEvery
	b.MaxInterval = sub.log.maxPullInterval
	b.MaxElapsedTime = 0 // Never stop pulling.

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return subscription.Stopped, nil
		case <-timer.C:
		}

		records, err := sub.log.read(ctx, sub.req.Target, sub.cursor)
		if err != nil && ctx.Err() != nil {
			return subscription.Stopped, nil
		}

		if err != nil {
			logger.Error(sub.log.logger, "failed to read events", logger.WithError(err))
			return subscription.ServerError, fmt.Errorf("postgres.Log: %w", err)
		}

		for _, record := range records {
			if ctx.Err() != nil {
				return subscription.Stopped, nil
			}

			if err := sub.req.OnRecord(ctx, record); err != nil {
				return subscription.SubscriptionError, err
			}

			sub.cursor = record.Position
		}

		if len(records) > 0 {
			b.Reset()
			timer.Reset(0)

			continue
		}

		timer.Reset(b.NextBackOff())
	}
}

// Close stops pulling records, without notifying the drop callback.
func (sub *logSubscription) Close(ctx context.Context) error {
	sub.mx.Lock()
	sub.closed = true
	sub.mx.Unlock()

	sub.cancel()

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("postgres.Log: failed to close subscription, %w", ctx.Err())
	}
}
