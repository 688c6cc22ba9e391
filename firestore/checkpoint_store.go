// Package eventuallyfirestore contains a checkpoint.Store implementation
// backed by Google Cloud Firestore.
package eventuallyfirestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
)

// DefaultCollection is the collection used by a CheckpointStore
// when none is specified.
const DefaultCollection = "SubscriptionCheckpoints"

//nolint:exhaustruct // Only used for interface assertion.
var _ checkpoint.Store = CheckpointStore{}

// CheckpointStore is a checkpoint.Store implementation storing one document
// per subscription, keyed by the subscription id.
type CheckpointStore struct {
	Client     *firestore.Client
	Collection string
}

func (s CheckpointStore) doc(subscriptionID string) *firestore.DocumentRef {
	collection := s.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	return s.Client.Collection(collection).Doc(subscriptionID)
}

// GetLastCheckpoint returns the Checkpoint of the subscription,
// creating an empty one if none exists.
func (s CheckpointStore) GetLastCheckpoint(ctx context.Context, subscriptionID string) (checkpoint.Checkpoint, error) {
	cp := checkpoint.Checkpoint{SubscriptionID: subscriptionID}
	ref := s.doc(subscriptionID)

	err := s.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return tx.Create(ref, map[string]any{
				"position":   nil,
				"updated_at": firestore.ServerTimestamp,
			})
		}

		if err != nil {
			return err
		}

		if v, ok := doc.Data()["position"].(int64); ok {
			cp = checkpoint.At(subscriptionID, uint64(v)) //nolint:gosec // Stored from uint64 values.
		}

		return nil
	})
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("eventuallyfirestore.CheckpointStore: failed to read checkpoint, %w", err)
	}

	return cp, nil
}

// StoreCheckpoint overwrites the Checkpoint document of the subscription.
//
// Every call results in a write, so the force flag has no effect.
func (s CheckpointStore) StoreCheckpoint(
	ctx context.Context,
	cp checkpoint.Checkpoint,
	_ bool,
) (checkpoint.Checkpoint, error) {
	var position any

	if cp.Position != nil {
		position = int64(*cp.Position) //nolint:gosec // Positions never exceed the int64 range.
	}

	_, err := s.doc(cp.SubscriptionID).Set(ctx, map[string]any{
		"position":   position,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("eventuallyfirestore.CheckpointStore: failed to write checkpoint, %w", err)
	}

	return cp, nil
}
