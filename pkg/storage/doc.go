/*
Package storage persists control-plane state: clusters, health statuses,
health metrics and backups.

Two implementations of the Store interface exist. PostgresStore is the
production backend, built on sqlx with the pgx driver and goose-managed
embedded migrations. MemoryStore backs development and tests (store.dsn:
memory) and enforces the same integrity rules as the Postgres schema:
unique cluster names, cascading deletes, and foreign-key checks on
dependent inserts.

Constraint violations surface as the package sentinels ErrNotFound,
ErrDuplicate and ErrIntegrity regardless of backend, so callers never
inspect driver error strings.
*/
package storage
