// Package engine runs a workflow incrementally.
//
// A run walks the workflow in topological order. Every process is first
// checked for staleness against the persisted run-state; only stale
// processes execute. Mutually independent processes run in parallel on a
// bounded worker pool, while a single coordinator goroutine owns every
// state transition, applies each worker's Execution to the canonical
// *workflow.Process, and commits it to the store.
//
// STATES:
//
//	Pending -> Skipped
//	Pending -> Running -> Succeeded | Failed
//	Pending -> Blocked (a dependency Failed or was Blocked)
//
// A process starts only once each of its dependencies is Skipped or
// Succeeded. A process whose dependency reran this run is always stale.
//
// FAILURES:
//
// A failed process blocks its dependents and nothing else. A backend that
// cannot be reached (resource.ErrUnavailable) is fatal: no new process is
// dispatched, processes already running finish and are recorded normally.
package engine
