// Package store provides the SQLite-backed run-state of a project.
//
// The run-state records, for every resource a process produced, the signature
// observed right after that process succeeded and which process produced it.
// It also records the last execution of every process and one row per run.
//
// # Tables
//
//   - resources: address -> signature, producer, seq
//   - processes: id -> code hash, inputs, outputs, input signatures, outcome
//   - runs:      id -> start, end, status
//
// # Atomicity
//
// A process's output records and its process row are written in a single
// transaction (CommitProcess). Either all of a process's outputs are recorded
// or none are, so a crash in the middle of a run leaves the store consistent
// with "this process has not completed yet". A failed process only ever
// rewrites its process row (RecordFailure).
//
// # Ordering
//
// Every commit is stamped with a strictly increasing seq. Queries order by
// seq, then by address or id with COLLATE BINARY, so reads are deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
