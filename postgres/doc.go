// Package postgres contains the PostgreSQL integrations of the module:
// a pull-based Log usable by catch-up subscriptions, and a checkpoint.Store.
//
// Run RunMigrations before using any of them.
package postgres
