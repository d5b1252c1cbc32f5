// Package task owns the lifecycle of artifact generation tasks: admission
// against the shared queue, dispatch to workers, completion handling, and
// reconciliation of the ephemeral queue state after a restart.
//
// The durable task store is the system of record. Every status change is a
// compare-and-set on the expected prior status, so duplicated or late
// callbacks are dropped instead of corrupting state.
package task
