package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
)

var _ checkpoint.Store = CheckpointStore{}

// CheckpointStore is a checkpoint.Store implementation using the
// "subscription_checkpoints" table.
type CheckpointStore struct {
	Conn *pgxpool.Pool
}

// GetLastCheckpoint returns the Checkpoint of the subscription,
// creating an empty one if none exists.
func (s CheckpointStore) GetLastCheckpoint(ctx context.Context, subscriptionID string) (checkpoint.Checkpoint, error) {
	row := s.Conn.QueryRow(
		ctx,
		`WITH inserted AS (
			INSERT INTO subscription_checkpoints (subscription_id) VALUES ($1)
			ON CONFLICT (subscription_id) DO NOTHING
			RETURNING position
		)
		SELECT position FROM inserted
		UNION ALL
		SELECT position FROM subscription_checkpoints WHERE subscription_id = $1
		LIMIT 1`,
		subscriptionID,
	)

	var position *int64
	if err := row.Scan(&position); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("postgres.CheckpointStore: failed to read checkpoint: %w", err)
	}

	cp := checkpoint.Checkpoint{SubscriptionID: subscriptionID}
	if position != nil {
		cp = checkpoint.At(subscriptionID, uint64(*position))
	}

	return cp, nil
}

// StoreCheckpoint upserts the Checkpoint of the subscription.
//
// Every call results in a write, so the force flag has no effect.
func (s CheckpointStore) StoreCheckpoint(
	ctx context.Context,
	cp checkpoint.Checkpoint,
	_ bool,
) (checkpoint.Checkpoint, error) {
	var position *int64

	if cp.Position != nil {
		value := int64(*cp.Position) //nolint:gosec // Positions never exceed the BIGINT range.
		position = &value
	}

	_, err := s.Conn.Exec(
		ctx,
		`INSERT INTO subscription_checkpoints (subscription_id, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subscription_id) DO UPDATE
		SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		cp.SubscriptionID, position,
	)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("postgres.CheckpointStore: failed to write checkpoint: %w", err)
	}

	return cp, nil
}
