package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/get-eventually/go-eventually-subscriptions/event"
)

// Supported log backends.
const (
	backendPostgres = "postgres"
	backendKafka    = "kafka"
)

type config struct {
	Subscription struct {
		ID               string        `default:"eventually-consumer" required:"true"`
		Category         string
		ConcurrencyLimit int           `split_words:"true" default:"1"`
		CheckpointBatch  int           `split_words:"true" default:"100"`
		CheckpointDelay  time.Duration `split_words:"true" default:"1s"`
		GracePeriod      time.Duration `split_words:"true" default:"10s"`
	}

	Log struct {
		Backend string `default:"postgres" required:"true"`
	}

	Postgres struct {
		DSN string `required:"true"`
	}

	Kafka struct {
		Brokers []string `default:"localhost:9092"`
		Topic   string   `default:"events"`
	}

	Server struct {
		Address      string        `default:":8080" required:"true"`
		ReadTimeout  time.Duration `split_words:"true" default:"10s" required:"true"`
		WriteTimeout time.Duration `split_words:"true" default:"10s" required:"true"`
	}
}

func parseConfig() (*config, error) {
	var config config

	if err := envconfig.Process("", &config); err != nil {
		return nil, fmt.Errorf("config: failed to parse from env, %w", err)
	}

	switch config.Log.Backend {
	case backendPostgres, backendKafka:
	default:
		return nil, fmt.Errorf("config: unsupported log backend %q (supported: postgres, kafka)", config.Log.Backend)
	}

	return &config, nil
}

func (c *config) target() event.Target {
	if c.Subscription.Category == "" {
		return event.All{}
	}

	return event.ByCategory(c.Subscription.Category)
}
