package integrationtests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/stagegrid/internal/engine"
	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/specialistvlad/stagegrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const diamondHCL = `
workflow {
  workers = 4
}

stage "A" {
  uses = "work"
}

stage "B" {
  uses       = "flaky"
  depends_on = ["A"]
  retry {
    max_retries = 2
    base        = "1ms"
    max         = "5ms"
  }
}

stage "C" {
  uses       = "work"
  depends_on = ["A"]
}

stage "D" {
  uses       = "work"
  depends_on = ["B", "C"]
}
`

// Test for: a fan-out/fan-in graph completes and the join waits for both
// branches.
func TestScenario_FanOutFanIn(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	rec := &testutil.Recorder{}
	step := testutil.Sleep(20 * time.Millisecond)
	h := newHarness(t, diamondHCL, testutil.Module{Bindings: map[string]stage.Binding{
		"work":  rec.Script(step),
		"flaky": rec.Script(step),
	}})

	// --- Act ---
	snap := h.run(t, cty.EmptyObjectVal)

	// --- Assert ---
	assert.Equal(t, record.RunCompleted, snap.Status)
	want := map[string]string{"A": "Succeeded", "B": "Succeeded", "C": "Succeeded", "D": "Succeeded"}
	if diff := cmp.Diff(want, states(snap)); diff != "" {
		t.Errorf("stage states mismatch (-want +got):\n%s", diff)
	}

	d := rec.CallsFor("D")
	require.Len(t, d, 1)
	for _, branch := range []string{"B", "C"} {
		calls := rec.CallsFor(branch)
		require.Len(t, calls, 1)
		assert.False(t, d[0].Start.Before(calls[0].End), "D started before %s finished", branch)
	}
	assert.Equal(t, 2, rec.MaxConcurrent(), "B and C overlap")
}

// Test for: a critical stage that exhausts its retries fails the run and
// skips its dependents while independent branches still succeed.
func TestScenario_CriticalStageExhaustsRetries(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	rec := &testutil.Recorder{}
	boom := errors.New("upstream rejected the request")
	h := newHarness(t, diamondHCL, testutil.Module{Bindings: map[string]stage.Binding{
		"work":  rec.Script(),
		"flaky": rec.Script(testutil.Fail(boom)),
	}})

	// --- Act ---
	snap := h.run(t, cty.EmptyObjectVal)

	// --- Assert ---
	assert.Equal(t, record.RunFailed, snap.Status)
	want := map[string]string{"A": "Succeeded", "B": "Failed", "C": "Succeeded", "D": "Skipped"}
	if diff := cmp.Diff(want, states(snap)); diff != "" {
		t.Errorf("stage states mismatch (-want +got):\n%s", diff)
	}

	b, _ := snap.Stage("B")
	assert.Equal(t, 3, b.Attempts)
	assert.ErrorIs(t, b.LastError, boom)
	assert.Len(t, rec.CallsFor("B"), 3)
	assert.Empty(t, rec.CallsFor("D"))

	d, _ := snap.Stage("D")
	assert.Equal(t, record.SkipDependency, d.SkipReason)
	assert.ErrorIs(t, snap.Err(), boom)

	assert.Eventually(t, func() bool {
		return h.events.count(event.StageRetrying, "B") == 2 && h.events.count(event.StageFailed, "B") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// Test for: an idempotent stage invoked again with the same inputs within
// the cache TTL is served from the cache.
func TestScenario_IdempotentStageIsCached(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	src := `
cache {
  ttl      = "1m"
  capacity = 16
}

stage "E" {
  uses       = "lookup"
  idempotent = true
  inputs = {
    company = input.company
  }
}
`
	rec := &testutil.Recorder{}
	out := cty.ObjectVal(map[string]cty.Value{"score": cty.NumberIntVal(87), "tags": cty.TupleVal([]cty.Value{cty.StringVal("b2b")})})
	h := newHarness(t, src, testutil.Module{Bindings: map[string]stage.Binding{
		"lookup": rec.Script(testutil.Succeed(out)),
	}})
	input := cty.ObjectVal(map[string]cty.Value{"company": cty.StringVal("Acme")})

	// --- Act ---
	first := h.run(t, input)
	second := h.run(t, input)
	other := h.run(t, cty.ObjectVal(map[string]cty.Value{"company": cty.StringVal("Globex")}))

	// --- Assert ---
	e1, _ := first.Stage("E")
	e2, _ := second.Stage("E")
	e3, _ := other.Stage("E")
	assert.False(t, e1.Cached)
	assert.True(t, e2.Cached)
	assert.True(t, e1.Output.RawEquals(e2.Output), "cached output is identical")
	assert.False(t, e3.Cached, "different inputs miss the cache")
	assert.Len(t, rec.CallsFor("E"), 2)
}

// Test for: cancelling a run with two stages in flight ends both in a
// terminal non-success state within the grace period.
func TestScenario_CancellationMidRun(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	src := `
stage "left" {
  uses = "slow"
}

stage "right" {
  uses = "slow"
}

stage "after" {
  uses       = "slow"
  depends_on = ["left", "right"]
}
`
	rec := &testutil.Recorder{}
	h := newHarness(t, src, testutil.Module{Bindings: map[string]stage.Binding{
		"slow": rec.Script(testutil.Sleep(time.Minute)),
	}})
	id, err := h.engine.StartRun(context.Background(), h.plan.Graph, cty.EmptyObjectVal)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := h.engine.Snapshot(id)
		return err == nil && snap.Counts()[record.Running] == 2
	}, 2*time.Second, 2*time.Millisecond)

	// --- Act ---
	start := time.Now()
	require.NoError(t, h.engine.CancelRun(id))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.engine.Wait(ctx, id)

	// --- Assert ---
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, record.RunCancelled, snap.Status)
	for _, s := range snap.Stages {
		assert.True(t, s.State.Terminal(), s.Name)
		assert.NotEqual(t, record.Succeeded, s.State, s.Name)
		assert.ErrorIs(t, s.LastError, engine.ErrCancelled, s.Name)
	}
	assert.Empty(t, rec.CallsFor("after"))
}

// Test for: outputs flow into downstream inputs and a false condition skips
// a stage without failing the run.
func TestScenario_DataPassingAndConditions(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	src := `
stage "research" {
  uses = "source"
}

stage "qualify" {
  uses       = "sink"
  depends_on = ["research"]
  when       = stage.research.output.score >= 50
  inputs = {
    summary = "${stage.research.output.name} scored ${stage.research.output.score}"
    first   = stage.research.output.tags[0]
  }
}

stage "reject" {
  uses       = "sink"
  depends_on = ["research"]
  when       = stage.research.output.score < 50
}
`
	rec := &testutil.Recorder{}
	source := cty.ObjectVal(map[string]cty.Value{
		"name":  cty.StringVal("Acme"),
		"score": cty.NumberIntVal(87),
		"tags":  cty.ListVal([]cty.Value{cty.StringVal("b2b"), cty.StringVal("saas")}),
	})
	h := newHarness(t, src, testutil.Module{Bindings: map[string]stage.Binding{
		"source": rec.Script(testutil.Succeed(source)),
		"sink":   rec.Script(),
	}})

	// --- Act ---
	snap := h.run(t, cty.EmptyObjectVal)

	// --- Assert ---
	assert.Equal(t, record.RunCompleted, snap.Status)
	qualify, _ := snap.Stage("qualify")
	assert.Equal(t, record.Succeeded, qualify.State)
	assert.Equal(t, "Acme scored 87", qualify.Output.GetAttr("summary").AsString())
	assert.Equal(t, "b2b", qualify.Output.GetAttr("first").AsString())

	reject, _ := snap.Stage("reject")
	assert.Equal(t, record.Skipped, reject.State)
	assert.Equal(t, record.SkipCondition, reject.SkipReason)
	assert.Empty(t, rec.CallsFor("reject"))
}
