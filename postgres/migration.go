package postgres

import (
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	// Registers the "pgx5" database driver used by migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsTable is the table tracking the migrations applied by
// RunMigrations, kept apart from the application schema migrations.
const MigrationsTable = "eventually_subscriptions_schema_migrations"

// RunMigrations creates or upgrades the "events" and "subscription_checkpoints"
// tables. Running it on an up-to-date database is a no-op.
//
// The dsn is a PostgreSQL connection string, in URL format.
func RunMigrations(dsn string) error {
	if err := withMigrate(dsn, (*migrate.Migrate).Up); err != nil {
		return fmt.Errorf("postgres.RunMigrations: %w", err)
	}

	return nil
}

// DropMigrations reverts all the migrations applied by RunMigrations,
// dropping the tables together with their data.
func DropMigrations(dsn string) error {
	if err := withMigrate(dsn, (*migrate.Migrate).Down); err != nil {
		return fmt.Errorf("postgres.DropMigrations: %w", err)
	}

	return nil
}

func withMigrate(dsn string, run func(*migrate.Migrate) error) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid dsn format, %w", err)
	}

	q := u.Query()
	q.Set("x-migrations-table", MigrationsTable)
	u.RawQuery = q.Encode()
	u.Scheme = "pgx5"

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations, %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, u.String())
	if err != nil {
		return fmt.Errorf("failed to connect to database, %w", err)
	}

	defer func() { _, _ = m.Close() }()

	if err := run(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations, %w", err)
	}

	return nil
}
