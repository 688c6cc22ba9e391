package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/event"
)

func TestParseConfig(t *testing.T) {
	t.Run("defaults are applied", func(t *testing.T) {
		t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/events")

		config, err := parseConfig()
		require.NoError(t, err)

		assert.Equal(t, "eventually-consumer", config.Subscription.ID)
		assert.Equal(t, 1, config.Subscription.ConcurrencyLimit)
		assert.Equal(t, time.Second, config.Subscription.CheckpointDelay)
		assert.Equal(t, backendPostgres, config.Log.Backend)
		assert.Equal(t, []string{"localhost:9092"}, config.Kafka.Brokers)
		assert.Equal(t, ":8080", config.Server.Address)
		assert.Equal(t, event.All{}, config.target())
	})

	t.Run("category and kafka backend", func(t *testing.T) {
		t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/events")
		t.Setenv("SUBSCRIPTION_CATEGORY", "order")
		t.Setenv("SUBSCRIPTION_CONCURRENCY_LIMIT", "8")
		t.Setenv("LOG_BACKEND", "kafka")
		t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")

		config, err := parseConfig()
		require.NoError(t, err)

		assert.Equal(t, 8, config.Subscription.ConcurrencyLimit)
		assert.Equal(t, backendKafka, config.Log.Backend)
		assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, config.Kafka.Brokers)
		assert.Equal(t, event.ByCategory("order"), config.target())
	})

	t.Run("unsupported backend", func(t *testing.T) {
		t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/events")
		t.Setenv("LOG_BACKEND", "sqlite")

		_, err := parseConfig()
		assert.ErrorContains(t, err, "unsupported log backend")
	})

	t.Run("missing postgres dsn", func(t *testing.T) {
		t.Setenv("POSTGRES_DSN", "")
		require.NoError(t, os.Unsetenv("POSTGRES_DSN"))

		_, err := parseConfig()
		assert.Error(t, err)
	})
}
