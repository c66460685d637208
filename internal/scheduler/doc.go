// Package scheduler executes one run of a workflow graph.
//
// # Why Scheduler Exists
//
// The graph knows which stages may run; the scheduler decides when they do,
// on which worker, and what happens afterwards. It owns the run's record for
// the whole execution and is its only writer, so every state transition is
// decided in one place and in one goroutine.
//
// # How It Works
//
// Each run has a single dispatch loop and a fixed pool of worker goroutines:
//  1. Pending stages whose dependencies are resolved become Ready and join a
//     FIFO queue ordered by readiness.
//  2. While fewer than Workers jobs are in flight, the loop takes the oldest
//     queued stage, evaluates its condition and declared inputs, marks it
//     Running and hands it to a worker. At most one non-parallel stage runs
//     at a time.
//  3. The worker runs the binding under the stage timeout, through the result
//     cache and the dependency's guard, and reports the outcome back.
//  4. The loop records the outcome. A retryable failure with budget left goes
//     back to Ready and re-enters the queue when its backoff timer fires.
//     Nothing in the loop ever sleeps.
//  5. A stage that ends Failed or TimedOut skips its dependents, and a skip
//     cascades to dependents that do not accept skipped dependencies.
//
// # Guarded Execution
//
// For a stage with a dependency, one attempt goes through, in order: the
// cache (idempotent stages only), the circuit breaker, the rate limiter, the
// connection pool, the binding, the connection release (or discard when the
// binding marked it unhealthy), the breaker's verdict and finally the cache
// store. Idempotent stages without a dependency still use the cache.
//
// # Cancellation
//
// Cancelling the parent context, reaching the workflow deadline or a critical
// failure under FailFast cancels every in-flight attempt and skips every
// stage that is not terminal yet. The loop then waits up to CancelGrace for
// workers to return and abandons the rest; a binding that ignores its context
// cannot hold a cancelled run open.
package scheduler
