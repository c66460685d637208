// Package graph validates a set of stage specifications and represents them
// as an immutable dependency DAG.
//
// # Why Graph Package Exists
//
// Every run of a workflow walks the same structure: which stages exist, what
// each one waits for, and who waits for it. Building that structure once and
// validating it up front means the scheduler never has to defend against a
// malformed workflow mid-run. A Graph that exists is always well formed.
//
// # Validation
//
// Build rejects, with a *GraphError:
//   - **Invalid names:** empty or not usable as an expression identifier
//   - **Duplicates:** two stages with the same name
//   - **Dangling dependencies:** a dependency on a stage that is not declared
//   - **Self dependencies:** a stage that depends on itself
//   - **Cycles:** found with a depth-first traversal that tracks the current
//     recursion stack; the error names the full cycle path
//
// # Readiness
//
// ReadyStages answers the scheduler's only structural question: which
// Pending stages have every dependency resolved? A dependency is resolved
// when it Succeeded, or when it was Skipped and the waiting stage opted into
// treating skips as satisfied.
//
// # Thread-Safety
//
// A Graph is never mutated after Build returns, so any number of runs may
// read it concurrently.
package graph
