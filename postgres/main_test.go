package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/postgres"
	"github.com/get-eventually/go-eventually-subscriptions/postgres/internal"
)

func setup(t *testing.T) *internal.PostgresContainer {
	t.Helper()

	if testing.Short() {
		t.SkipNow()
	}

	ctx := context.Background()

	container, err := internal.NewPostgresContainer(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Close(context.Background())) })

	require.NoError(t, postgres.RunMigrations(container.ConnectionDSN))
	// Migrations are idempotent.
	require.NoError(t, postgres.RunMigrations(container.ConnectionDSN))

	return container
}
