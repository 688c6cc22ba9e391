package checkpoint

import (
	"context"
	"sync"
)

// Checkpoint is the persisted marker of the last safely processed
// position of a subscription.
//
// A nil Position means the subscription has never committed anything,
// and should start from the beginning of its target.
type Checkpoint struct {
	SubscriptionID string
	Position       *uint64
}

// At returns a Checkpoint for the subscription at the specified position.
func At(subscriptionID string, position uint64) Checkpoint {
	return Checkpoint{SubscriptionID: subscriptionID, Position: &position}
}

// Store persists Checkpoints, one per subscription id.
//
// Implementations must be idempotent upserts by id: GetLastCheckpoint lazily
// creates an empty Checkpoint when none exists, and StoreCheckpoint overwrites it.
// The force flag asks the implementation to bypass any internal batching.
type Store interface {
	GetLastCheckpoint(ctx context.Context, subscriptionID string) (Checkpoint, error)
	StoreCheckpoint(ctx context.Context, checkpoint Checkpoint, force bool) (Checkpoint, error)
}

var (
	_ Store = Nop{}
	_ Store = Fixed{}
	_ Store = &InMemoryStore{}
)

// Nop is a Store that never persists anything, so every subscription
// using it starts from the beginning.
type Nop struct{}

// GetLastCheckpoint returns an empty Checkpoint.
func (Nop) GetLastCheckpoint(_ context.Context, subscriptionID string) (Checkpoint, error) {
	return Checkpoint{SubscriptionID: subscriptionID}, nil
}

// StoreCheckpoint discards the Checkpoint.
func (Nop) StoreCheckpoint(_ context.Context, checkpoint Checkpoint, _ bool) (Checkpoint, error) {
	return checkpoint, nil
}

// Fixed is a Store that always starts from the same position,
// discarding every commit.
type Fixed struct{ Position uint64 }

// GetLastCheckpoint returns a Checkpoint at the fixed position.
func (f Fixed) GetLastCheckpoint(_ context.Context, subscriptionID string) (Checkpoint, error) {
	return At(subscriptionID, f.Position), nil
}

// StoreCheckpoint discards the Checkpoint.
func (Fixed) StoreCheckpoint(_ context.Context, checkpoint Checkpoint, _ bool) (Checkpoint, error) {
	return checkpoint, nil
}

// InMemoryStore is a thread-safe, in-memory Store implementation.
//
// Every stored position is also kept in a per-id history, mostly useful in tests.
type InMemoryStore struct {
	mx      sync.RWMutex
	current map[string]*uint64
	history map[string][]uint64
}

// NewInMemoryStore returns a new, empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		current: make(map[string]*uint64),
		history: make(map[string][]uint64),
	}
}

// GetLastCheckpoint returns the last Checkpoint stored for the subscription,
// creating an empty one if none exists.
func (s *InMemoryStore) GetLastCheckpoint(_ context.Context, subscriptionID string) (Checkpoint, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	position, ok := s.current[subscriptionID]
	if !ok {
		s.current[subscriptionID] = nil
	}

	return Checkpoint{SubscriptionID: subscriptionID, Position: copyPosition(position)}, nil
}

// StoreCheckpoint overwrites the Checkpoint of the subscription.
func (s *InMemoryStore) StoreCheckpoint(_ context.Context, checkpoint Checkpoint, _ bool) (Checkpoint, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.current[checkpoint.SubscriptionID] = copyPosition(checkpoint.Position)

	if checkpoint.Position != nil {
		s.history[checkpoint.SubscriptionID] = append(s.history[checkpoint.SubscriptionID], *checkpoint.Position)
	}

	return checkpoint, nil
}

// History returns all the positions stored for the subscription, in order.
func (s *InMemoryStore) History(subscriptionID string) []uint64 {
	s.mx.RLock()
	defer s.mx.RUnlock()

	history := make([]uint64, len(s.history[subscriptionID]))
	copy(history, s.history[subscriptionID])

	return history
}

func copyPosition(position *uint64) *uint64 {
	if position == nil {
		return nil
	}

	value := *position

	return &value
}
