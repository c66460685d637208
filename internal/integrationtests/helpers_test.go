package integrationtests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/stagegrid/internal/config"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/engine"
	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/guard"
	"github.com/specialistvlad/stagegrid/internal/hcl"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/scheduler"
	"github.com/specialistvlad/stagegrid/internal/testutil"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// harness is a compiled workflow with its engine, built the way the app
// builds one but without the process-level surfaces.
type harness struct {
	engine *engine.Engine
	plan   *config.Plan
	events *eventLog
	logs   *testutil.SafeBuffer
}

// eventLog collects every lifecycle event in order of delivery.
type eventLog struct {
	bus *event.Bus

	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) Notify(e event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// count returns how many events of kind were delivered for stage.
func (l *eventLog) count(kind event.Kind, stage string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind && e.Stage == stage {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, src string, modules ...registry.Module) *harness {
	t.Helper()
	logger, logs := testutil.NewLogger(t)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	model, err := hcl.NewLoader().Parse(ctx, []byte(src), "main.hcl")
	require.NoError(t, err)
	reg := registry.New()
	reg.Load(modules...)
	plan, err := config.Compile(ctx, model, reg, guard.NewRegistry())
	require.NoError(t, err)

	events := &eventLog{bus: event.NewBus()}
	events.bus.Subscribe(events)

	opts := plan.Options
	opts.Observer = events.bus
	if opts.CancelGrace == 0 {
		opts.CancelGrace = 200 * time.Millisecond
	}
	h := &harness{engine: engine.New(scheduler.New(opts)), plan: plan, events: events, logs: logs}
	t.Cleanup(func() {
		_ = h.engine.Shutdown(context.Background())
		events.bus.Close()
		plan.Options.Guards.Close()
	})
	return h
}

// run executes one run to completion and returns its final snapshot.
func (h *harness) run(t *testing.T, input cty.Value) record.Snapshot {
	t.Helper()
	logger, _ := testutil.NewLogger(t)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	id, err := h.engine.StartRun(ctx, h.plan.Graph, input)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap, err := h.engine.Wait(waitCtx, id)
	require.NoError(t, err)
	return snap
}

// states maps every stage to its final state name.
func states(snap record.Snapshot) map[string]string {
	out := make(map[string]string, len(snap.Stages))
	for _, s := range snap.Stages {
		out[s.Name] = s.State.String()
	}
	return out
}
