package subscription_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/event"
	"github.com/get-eventually/go-eventually-subscriptions/inmemory"
	"github.com/get-eventually/go-eventually-subscriptions/internal"
	"github.com/get-eventually/go-eventually-subscriptions/serde"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
)

func userRecord(i int) event.Record {
	return event.Record{
		EventType:   internal.UserCreatedType,
		ContentType: serde.ContentTypeJSON,
		Stream:      event.StreamID(fmt.Sprintf("user-%d", i)),
		Data:        []byte(fmt.Sprintf(`{"id":"%d","email":"user%d@example.com"}`, i, i)),
	}
}

func appendUsers(t *testing.T, log *inmemory.Log, from, n int) {
	t.Helper()

	records := make([]event.Record, 0, n)
	for i := from; i < from+n; i++ {
		records = append(records, userRecord(i))
	}

	_, err := log.Append(context.Background(), records...)
	require.NoError(t, err)
}

func decoder(t *testing.T) subscription.Decoder {
	t.Helper()

	registry := serde.NewRegistry()
	require.NoError(t, serde.RegisterJSON(registry, func() *internal.UserCreated { return new(internal.UserCreated) }))

	return serde.RecordDecoder{Registry: registry}
}

// collector is a Handler recording every received message,
// optionally failing through the fail function.
type collector struct {
	mx       sync.Mutex
	received []event.Received
	attempts map[uint64]int
	fail     func(msg event.Received, attempt int) error
}

func (c *collector) HandleEvent(_ context.Context, msg *subscription.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.attempts == nil {
		c.attempts = make(map[uint64]int)
	}

	c.attempts[msg.Message.GlobalPosition]++

	if c.fail != nil {
		if err := c.fail(msg.Message, c.attempts[msg.Message.GlobalPosition]); err != nil {
			return err
		}
	}

	c.received = append(c.received, msg.Message)

	return nil
}

func (c *collector) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()

	return len(c.received)
}

func (c *collector) Positions() []uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()

	positions := make([]uint64, 0, len(c.received))
	for _, msg := range c.received {
		positions = append(positions, msg.GlobalPosition)
	}

	return positions
}

func (c *collector) Received() []event.Received {
	c.mx.Lock()
	defer c.mx.Unlock()

	return append([]event.Received(nil), c.received...)
}

func handlers(t *testing.T, hs ...subscription.Handler) *subscription.HandlerSet {
	t.Helper()

	set, err := subscription.NewHandlerSet()
	require.NoError(t, err)

	for i, h := range hs {
		require.NoError(t, set.Add(fmt.Sprintf("handler-%d", i), h))
	}

	return set
}

type recordingMetrics struct {
	subscription.NopMetrics

	mx      sync.Mutex
	skipped map[string]int
	drops   []subscription.DropReason
	handled int
	gaps    []uint64
	acks    []int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{skipped: make(map[string]int)}
}

func (m *recordingMetrics) RecordMessageSkipped(_ context.Context, _, _ string, reason string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.skipped[reason]++
}

func (m *recordingMetrics) RecordMessageHandled(context.Context, string, string, time.Duration, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.handled++
}

func (m *recordingMetrics) RecordDrop(_ context.Context, _ string, reason subscription.DropReason) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.drops = append(m.drops, reason)
}

func (m *recordingMetrics) RecordGap(_ context.Context, _ string, gap uint64) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.gaps = append(m.gaps, gap)
}

func (m *recordingMetrics) RecordAcks(_ context.Context, _ string, count int) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.acks = append(m.acks, count)
}

func (m *recordingMetrics) Skipped(reason string) int {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.skipped[reason]
}

func (m *recordingMetrics) Drops() []subscription.DropReason {
	m.mx.Lock()
	defer m.mx.Unlock()

	return append([]subscription.DropReason(nil), m.drops...)
}

func (m *recordingMetrics) Gaps() []uint64 {
	m.mx.Lock()
	defer m.mx.Unlock()

	return append([]uint64(nil), m.gaps...)
}
