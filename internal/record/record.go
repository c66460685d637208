package record

import (
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// StageRecord is the run-time state of one stage.
type StageRecord struct {
	Name       string
	State      State
	Critical   bool
	Attempts   int
	LastError  error
	SkipReason SkipReason
	ReadyAt    time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Output     cty.Value
	Cached     bool
}

// Duration is the time from the first attempt's start to the stage's end.
func (s StageRecord) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	Stage string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for stage '%s': %s -> %s", e.Stage, e.From, e.To)
}

// Record is the mutable state of one run. Only the scheduler that owns the run
// calls its mutating methods; everyone else reads snapshots.
type Record struct {
	mu         sync.RWMutex
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	status     RunStatus
	order      []string
	stages     map[string]*StageRecord
}

// New creates a record with every stage Pending and the run Running.
func New(runID string, specs []*stage.Spec, now time.Time) *Record {
	r := &Record{
		runID:     runID,
		startedAt: now,
		status:    RunRunning,
		order:     make([]string, 0, len(specs)),
		stages:    make(map[string]*StageRecord, len(specs)),
	}
	for _, s := range specs {
		r.order = append(r.order, s.Name)
		r.stages[s.Name] = &StageRecord{Name: s.Name, State: Pending, Critical: s.Critical}
	}
	return r
}

// RunID returns the run identifier.
func (r *Record) RunID() string { return r.runID }

// State returns the state of the named stage; unknown stages read as Pending.
func (r *Record) State(name string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stages[name]; ok {
		return s.State
	}
	return Pending
}

// Status returns the run status.
func (r *Record) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Attempts returns how many attempts the named stage has started.
func (r *Record) Attempts(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stages[name]; ok {
		return s.Attempts
	}
	return 0
}

func (r *Record) transition(name string, to State, mutate func(s *StageRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stages[name]
	if !ok {
		return fmt.Errorf("stage '%s' is not part of run '%s'", name, r.runID)
	}
	if !canTransition(s.State, to) {
		return &TransitionError{Stage: name, From: s.State, To: to}
	}
	s.State = to
	if mutate != nil {
		mutate(s)
	}
	return nil
}

// MarkReady moves a stage from Pending, or from Running when a failed
// attempt is re-queued, to Ready.
func (r *Record) MarkReady(name string, now time.Time) error {
	return r.transition(name, Ready, func(s *StageRecord) { s.ReadyAt = now })
}

// Requeue records a failed attempt and moves the stage back to Ready.
func (r *Record) Requeue(name string, err error, now time.Time) error {
	return r.transition(name, Ready, func(s *StageRecord) {
		s.LastError = err
		s.ReadyAt = now
	})
}

// MarkRunning starts a new attempt.
func (r *Record) MarkRunning(name string, now time.Time) error {
	return r.transition(name, Running, func(s *StageRecord) {
		s.Attempts++
		if s.StartedAt.IsZero() {
			s.StartedAt = now
		}
	})
}

// Succeed records the stage output.
func (r *Record) Succeed(name string, output cty.Value, cached bool, now time.Time) error {
	return r.transition(name, Succeeded, func(s *StageRecord) {
		s.Output = output
		s.Cached = cached
		s.LastError = nil
		s.FinishedAt = now
	})
}

// Fail records a terminal failure.
func (r *Record) Fail(name string, err error, now time.Time) error {
	return r.transition(name, Failed, func(s *StageRecord) {
		s.LastError = err
		s.FinishedAt = now
	})
}

// TimeOut records a terminal timeout.
func (r *Record) TimeOut(name string, err error, now time.Time) error {
	return r.transition(name, TimedOut, func(s *StageRecord) {
		s.LastError = err
		s.FinishedAt = now
	})
}

// Skip records that the stage will never run. err may be nil.
func (r *Record) Skip(name string, reason SkipReason, err error, now time.Time) error {
	return r.transition(name, Skipped, func(s *StageRecord) {
		s.SkipReason = reason
		if err != nil {
			s.LastError = err
		}
		s.FinishedAt = now
	})
}

// Finish sets the final run status. It can only be called once.
func (r *Record) Finish(status RunStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return fmt.Errorf("run '%s' already finished as %s", r.runID, r.status)
	}
	if !status.Terminal() {
		return fmt.Errorf("run '%s' cannot finish as %s", r.runID, status)
	}
	r.status = status
	r.finishedAt = now
	return nil
}

// Outcome derives the status the run should finish with once every stage
// is terminal: Failed when a critical stage failed or timed out, Completed
// otherwise.
func (r *Record) Outcome() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		s := r.stages[name]
		if s.Critical && s.State.Failure() {
			return RunFailed
		}
	}
	return RunCompleted
}

// Scope exposes stage states and the outputs of succeeded stages to
// conditions and input expressions.
func (r *Record) Scope(input cty.Value) stage.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scope := stage.Scope{
		Input:   input,
		Outputs: make(map[string]cty.Value),
		States:  make(map[string]string, len(r.order)),
	}
	for _, name := range r.order {
		s := r.stages[name]
		scope.States[name] = s.State.String()
		if s.State == Succeeded {
			scope.Outputs[name] = s.Output
		}
	}
	return scope
}

// Snapshot returns a point-in-time copy that is safe to keep and read.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		RunID:      r.runID,
		Status:     r.status,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Stages:     make([]StageRecord, 0, len(r.order)),
	}
	for _, name := range r.order {
		snap.Stages = append(snap.Stages, *r.stages[name])
	}
	return snap
}
