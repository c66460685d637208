// Package metrics exports run, stage and breaker activity as Prometheus
// metrics. The Observer consumes the public event stream only; it never
// reaches into a run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/specialistvlad/stagegrid/internal/breaker"
	"github.com/specialistvlad/stagegrid/internal/event"
)

const namespace = "stagegrid"

// Observer records lifecycle events into Prometheus collectors registered on
// the registerer passed to New.
type Observer struct {
	runs          *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	runDuration   prometheus.Histogram
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
}

var _ event.Observer = (*Observer)(nil)

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by final status.",
		}, []string{"status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing.",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Terminal stage outcomes by stage and state.",
		}, []string{"stage", "state"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time from a stage's first attempt to its terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"stage"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Failed attempts that were scheduled for retry.",
		}, []string{"stage"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cache_hits_total",
			Help:      "Stage successes served from the result cache.",
		}, []string{"stage"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency: 0 closed, 1 open, 2 half-open.",
		}, []string{"dependency"}),
		breakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by dependency and target state.",
		}, []string{"dependency", "to"}),
	}
}

// Notify implements event.Observer.
func (o *Observer) Notify(e event.Event) {
	switch e.Kind {
	case event.RunStarted:
		o.activeRuns.Inc()
	case event.RunCompleted:
		o.activeRuns.Dec()
		o.runs.WithLabelValues(e.Status.String()).Inc()
		o.runDuration.Observe(e.Duration.Seconds())
	case event.StageSucceeded, event.StageFailed:
		o.stages.WithLabelValues(e.Stage, e.State.String()).Inc()
		o.stageDuration.WithLabelValues(e.Stage).Observe(e.Duration.Seconds())
		if e.Cached {
			o.cacheHits.WithLabelValues(e.Stage).Inc()
		}
	case event.StageSkipped:
		o.stages.WithLabelValues(e.Stage, e.State.String()).Inc()
	case event.StageRetrying:
		o.retries.WithLabelValues(e.Stage).Inc()
	}
}

// BreakerChanged records a breaker transition. Its signature matches
// guard.StateChangeFunc.
func (o *Observer) BreakerChanged(dependency string, _, to breaker.State) {
	o.breakerState.WithLabelValues(dependency).Set(float64(to))
	o.breakerTrips.WithLabelValues(dependency, to.String()).Inc()
}
