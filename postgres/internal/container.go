package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a handle on a Postgres container started through
// testcontainers, with a connection pool already open on it.
type PostgresContainer struct {
	*postgres.PostgresContainer

	ConnectionDSN string
	Pool          *pgxpool.Pool
}

// NewPostgresContainer starts a new Postgres container and connects to it.
//
// Callers own the container: use Close to release it.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	withContext := func(msg string, err error) error {
		return fmt.Errorf("internal.NewPostgresContainer: %s, %w", msg, err)
	}

	container, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("subscriptions"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("notasecret"),
		testcontainers.WithWaitStrategy(
			//nolint:mnd // It's ok to use a magic number here.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, withContext("failed to run new container", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, withContext("failed to get connection dsn", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, withContext("failed to open connection pool", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionDSN:     dsn,
		Pool:              pool,
	}, nil
}

// Close closes the connection pool and terminates the container.
func (c *PostgresContainer) Close(ctx context.Context) error {
	c.Pool.Close()

	if err := c.Terminate(ctx); err != nil {
		return fmt.Errorf("internal.PostgresContainer: failed to terminate, %w", err)
	}

	return nil
}
