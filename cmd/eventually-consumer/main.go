// Package main contains the entrypoint of a standalone catch-up subscription
// consumer, logging every event read from the configured log and exposing
// the subscription health and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/get-eventually/go-eventually-subscriptions/correlation"
	"github.com/get-eventually/go-eventually-subscriptions/health"
	"github.com/get-eventually/go-eventually-subscriptions/kafka"
	"github.com/get-eventually/go-eventually-subscriptions/logger"
	"github.com/get-eventually/go-eventually-subscriptions/opentelemetry"
	"github.com/get-eventually/go-eventually-subscriptions/postgres"
	eventuallyprometheus "github.com/get-eventually/go-eventually-subscriptions/prometheus"
	"github.com/get-eventually/go-eventually-subscriptions/serde"
	"github.com/get-eventually/go-eventually-subscriptions/subscription"
	"github.com/get-eventually/go-eventually-subscriptions/zaplogger"
)

// loggingHandler logs every event it receives.
type loggingHandler struct {
	logger logger.Logger
}

func (h loggingHandler) HandleEvent(ctx context.Context, msg *subscription.Context) error {
	correlationID, _ := correlation.IDContext(ctx)

	logger.Info(h.logger, "event received",
		logger.With("eventType", msg.Message.EventType),
		logger.With("streamId", msg.Message.Stream),
		logger.With("globalPosition", msg.Message.GlobalPosition),
		logger.With("correlationId", correlationID),
	)

	return nil
}

func newLogClient(config *config, pool *pgxpool.Pool, l logger.Logger) (subscription.LogClient, func(), error) {
	if config.Log.Backend == backendKafka {
		log, err := kafka.NewLog(kafka.Config{
			Brokers: config.Kafka.Brokers,
			Topic:   config.Kafka.Topic,
			Logger:  l,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("consumer.main: failed to create kafka log, %w", err)
		}

		return log, log.Close, nil
	}

	return postgres.NewLog(pool, postgres.WithLogger(l)), func() {}, nil
}

func run() error {
	config, err := parseConfig()
	if err != nil {
		return fmt.Errorf("consumer.main: failed to parse config, %w", err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("consumer.main: failed to initialize logger, %w", err)
	}

	//nolint:errcheck // No need for this error to come up if it happens.
	defer zapLogger.Sync()

	l := zaplogger.Wrap(zapLogger.With(zap.String("subscriptionId", config.Subscription.ID)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.RunMigrations(config.Postgres.DSN); err != nil {
		return fmt.Errorf("consumer.main: failed to run migrations, %w", err)
	}

	pool, err := pgxpool.New(ctx, config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("consumer.main: failed to connect to postgres, %w", err)
	}
	defer pool.Close()

	client, closeClient, err := newLogClient(config, pool, l)
	if err != nil {
		return err
	}
	defer closeClient()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics, err := eventuallyprometheus.NewMetrics(registry, "")
	if err != nil {
		return fmt.Errorf("consumer.main: failed to register metrics, %w", err)
	}

	handlers, err := subscription.NewHandlerSet()
	if err != nil {
		return fmt.Errorf("consumer.main: failed to create handler set, %w", err)
	}

	if err := handlers.Add("logger", opentelemetry.NewInstrumentedHandler(
		config.Subscription.ID, loggingHandler{logger: l},
	)); err != nil {
		return fmt.Errorf("consumer.main: failed to register handler, %w", err)
	}

	healthRegistry := health.NewRegistry()

	sub := subscription.NewCatchUp(
		config.Subscription.ID,
		client,
		postgres.CheckpointStore{Conn: pool},
		handlers,
		subscription.WithTarget(config.target()),
		subscription.WithFilters(correlation.Filter()),
		subscription.WithDecoder(serde.RecordDecoder{Registry: serde.NewRegistry(), AllowUnknown: true}),
		subscription.WithConcurrencyLimit(config.Subscription.ConcurrencyLimit),
		subscription.WithCheckpointCommit(config.Subscription.CheckpointBatch, config.Subscription.CheckpointDelay),
		subscription.WithShutdownGracePeriod(config.Subscription.GracePeriod),
		subscription.WithLogger(l),
		subscription.WithMetrics(metrics),
		subscription.WithHealth(healthRegistry),
	)

	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler(healthRegistry))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         config.Server.Address,
		Handler:      mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info(l, "http server started", logger.With("address", config.Server.Address))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}

		close(serverErr)
	}()

	if err := sub.Subscribe(ctx, nil, func(id string, reason subscription.DropReason, err error) {
		logger.Error(l, "subscription dropped",
			logger.With("reason", reason.String()),
			logger.WithError(err),
		)
	}); err != nil {
		return fmt.Errorf("consumer.main: failed to subscribe, %w", err)
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error(l, "http server exited with error", logger.WithError(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Subscription.GracePeriod)
	defer cancel()

	if err := sub.Unsubscribe(shutdownCtx, nil); err != nil {
		logger.Error(l, "failed to unsubscribe", logger.WithError(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("consumer.main: failed to shut down http server, %w", err)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		panic(err)
	}
}
