// Package postgres provides PostgreSQL-specific implementations for the data
// storage interfaces defined in the internal/store package: the task store,
// which is the system of record for task state, and the dedup slot store.
// It also embeds the schema migrations and runs them through goose.
package postgres
