package scheduler

import (
	"context"

	"github.com/specialistvlad/stagegrid/internal/graph"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/zclconf/go-cty/cty"
)

// Executor drives one run of a graph to a terminal status.
//
// Execute blocks until every stage of g is terminal in rec, or until the run is
// cancelled through ctx, and finishes rec with the returned status. rec must
// be fresh: every stage Pending, the run Running. The caller must not mutate
// rec while Execute runs; reading it (State, Snapshot) is safe.
//
// *Scheduler is the implementation; the engine accepts the interface so tests
// can drive it with a stub.
type Executor interface {
	Execute(ctx context.Context, g *graph.Graph, rec *record.Record, input cty.Value) record.RunStatus
}

var _ Executor = (*Scheduler)(nil)
