// Package event defines the lifecycle events a run emits and the bus that
// delivers them to observers.
package event

import (
	"log/slog"
	"time"

	"github.com/specialistvlad/stagegrid/internal/record"
)

// Kind names a lifecycle event.
type Kind string

const (
	StageReady     Kind = "stage.ready"
	StageStarted   Kind = "stage.started"
	StageSucceeded Kind = "stage.succeeded"
	StageFailed    Kind = "stage.failed"
	StageSkipped   Kind = "stage.skipped"
	StageRetrying  Kind = "stage.retrying"
	RunStarted     Kind = "run.started"
	RunCompleted   Kind = "run.completed"
)

// Event is one lifecycle notification. Fields that do not apply to a kind are
// left zero.
type Event struct {
	Kind  Kind
	RunID string
	Time  time.Time

	Stage   string
	Attempt int
	// State is the stage's state after the event.
	State  record.State
	Err    error
	Reason record.SkipReason
	Cached bool
	// Delay is the backoff before the next attempt of a retrying stage.
	Delay time.Duration
	// Duration is the stage's run time for terminal stage events and the
	// run's total time for run.completed.
	Duration time.Duration

	// Status is set on run events.
	Status record.RunStatus
}

// LogValue renders the event as a group of log attributes.
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("runID", e.RunID),
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage))
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(e.Reason)))
	}
	if e.Kind == RunStarted || e.Kind == RunCompleted {
		attrs = append(attrs, slog.String("status", e.Status.String()))
	}
	return slog.GroupValue(attrs...)
}

// Observer receives events. Notify is called from a single goroutine per
// observer, in publication order.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts an ordinary function to the Observer interface.
type ObserverFunc func(e Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) { f(e) }

// Discard is an observer that drops every event.
var Discard Observer = ObserverFunc(func(Event) {})
