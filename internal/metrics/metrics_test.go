package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specialistvlad/stagegrid/internal/breaker"
	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_RecordsRunAndStageEvents(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	reg := prometheus.NewRegistry()
	o := New(reg)

	// --- Act ---
	for _, e := range []event.Event{
		{Kind: event.RunStarted},
		{Kind: event.StageStarted, Stage: "fetch"},
		{Kind: event.StageRetrying, Stage: "fetch", State: record.Ready},
		{Kind: event.StageSucceeded, Stage: "fetch", State: record.Succeeded, Duration: 20 * time.Millisecond},
		{Kind: event.StageSucceeded, Stage: "score", State: record.Succeeded, Cached: true},
		{Kind: event.StageFailed, Stage: "notify", State: record.TimedOut},
		{Kind: event.StageSkipped, Stage: "report", State: record.Skipped},
		{Kind: event.RunCompleted, Status: record.RunFailed, Duration: time.Second},
	} {
		o.Notify(e)
	}

	// --- Assert ---
	assert.Equal(t, 0.0, testutil.ToFloat64(o.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.runs.WithLabelValues("Failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.retries.WithLabelValues("fetch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.stages.WithLabelValues("fetch", "Succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.stages.WithLabelValues("notify", "TimedOut")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.stages.WithLabelValues("report", "Skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.cacheHits.WithLabelValues("score")))

	expected := `
# HELP stagegrid_runs_total Finished runs by final status.
# TYPE stagegrid_runs_total counter
stagegrid_runs_total{status="Failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "stagegrid_runs_total"))
}

func TestObserver_BreakerChanged(t *testing.T) {
	t.Parallel()
	o := New(prometheus.NewRegistry())

	o.BreakerChanged("crm", breaker.Closed, breaker.Open)
	o.BreakerChanged("crm", breaker.Open, breaker.HalfOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.breakerState.WithLabelValues("crm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.breakerTrips.WithLabelValues("crm", "Open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.breakerTrips.WithLabelValues("crm", "HalfOpen")))
}

func TestNew_RegistersOnce(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "registering the same collectors twice is a programming error")
}
