// Package engine is the trigger surface of the runtime. It starts runs of a
// validated graph in the background, lets callers cancel them and hands out
// read-only snapshots of their records while they run and after they finish.
//
// The engine keeps every run it started until Forget is called, so status
// queries and archival hand-off can happen at any time after completion.
package engine
