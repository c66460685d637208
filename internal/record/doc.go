// Package record holds the execution record of a workflow run: the state of
// every stage, attempt counts, last errors, outputs and the overall run
// status.
//
// # Ownership
//
// A Record has exactly one writer, the scheduler loop driving the run. The
// mutating methods enforce the stage lifecycle
//
//	Pending → Ready → Running → {Succeeded | Failed | TimedOut | Skipped}
//
// with two additional edges: Pending/Ready → Skipped (condition false,
// dependency failed, run cancelled) and Running → Ready (a failed attempt
// re-queued for retry). A terminal state never changes again.
//
// Everyone else (the engine's status queries, observers, archives) reads
// Snapshots, which are deep copies and never change after they are taken.
package record
