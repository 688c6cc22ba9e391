// Package mongodb contains a checkpoint.Store implementation backed by MongoDB.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
)

// DefaultCollection is the collection used by a CheckpointStore
// when none is specified.
const DefaultCollection = "subscription_checkpoints"

var _ checkpoint.Store = CheckpointStore{}

type checkpointDocument struct {
	SubscriptionID string    `bson:"_id"`
	Position       *int64    `bson:"position"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

// CheckpointStore is a checkpoint.Store implementation storing one document
// per subscription, keyed by the subscription id.
type CheckpointStore struct {
	Client         *mongo.Client
	DatabaseName   string
	CollectionName string
}

func (s CheckpointStore) collection() *mongo.Collection {
	name := s.CollectionName
	if name == "" {
		name = DefaultCollection
	}

	// Checkpoints are read back after a restart, possibly from a different
	// node: both reads and writes go through the majority.
	return s.Client.
		Database(s.DatabaseName, &options.DatabaseOptions{
			ReadConcern:    readconcern.Majority(),
			ReadPreference: readpref.Primary(),
			WriteConcern:   writeconcern.Majority(),
		}).
		Collection(name)
}

// GetLastCheckpoint returns the Checkpoint of the subscription,
// creating an empty one if none exists.
func (s CheckpointStore) GetLastCheckpoint(ctx context.Context, subscriptionID string) (checkpoint.Checkpoint, error) {
	var doc checkpointDocument

	err := s.collection().FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: subscriptionID}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "position", Value: nil},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mongodb.CheckpointStore: failed to read checkpoint, %w", err)
	}

	if doc.Position == nil {
		return checkpoint.Checkpoint{SubscriptionID: subscriptionID}, nil
	}

	return checkpoint.At(subscriptionID, uint64(*doc.Position)), nil //nolint:gosec // Stored from uint64 values.
}

// StoreCheckpoint upserts the Checkpoint document of the subscription.
//
// Every call results in a write, so the force flag has no effect.
func (s CheckpointStore) StoreCheckpoint(
	ctx context.Context,
	cp checkpoint.Checkpoint,
	_ bool,
) (checkpoint.Checkpoint, error) {
	doc := checkpointDocument{SubscriptionID: cp.SubscriptionID, UpdatedAt: time.Now().UTC()}

	if cp.Position != nil {
		position := int64(*cp.Position) //nolint:gosec // Positions never exceed the int64 range.
		doc.Position = &position
	}

	_, err := s.collection().ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: cp.SubscriptionID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mongodb.CheckpointStore: failed to write checkpoint, %w", err)
	}

	return cp, nil
}
