package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/specialistvlad/stagegrid/internal/cache"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/graph"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// run is the state of one execution. Every field is owned by the dispatch
// loop goroutine except the channels.
type run struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger

	g     *graph.Graph
	rec   *record.Record
	input cty.Value

	queue      []string
	busy       int
	serialBusy bool
	terminal   int
	started    map[string]time.Time
	timers     map[string]*time.Timer
	// halted ends the run as Failed: a critical failure under FailFast, or
	// a stage whose state could not be recorded.
	halted error

	jobs    chan job
	results chan result
	wake    chan string
}

func newRun(s *Scheduler, ctx context.Context, cancel context.CancelCauseFunc, g *graph.Graph, rec *record.Record, input cty.Value) *run {
	return &run{
		opts:    s.opts,
		ctx:     ctx,
		cancel:  cancel,
		logger:  ctxlog.FromContext(ctx),
		g:       g,
		rec:     rec,
		input:   input,
		started: make(map[string]time.Time),
		timers:  make(map[string]*time.Timer),
		// Sends never block: at most Workers jobs are in flight, and each
		// stage has at most one backoff timer armed.
		jobs:    make(chan job, s.opts.Workers),
		results: make(chan result, s.opts.Workers),
		wake:    make(chan string, g.Len()),
	}
}

func (r *run) now() time.Time { return r.opts.Now() }

func (r *run) execute() record.RunStatus {
	start := r.now()
	r.logger.Info("Run started.", "stages", r.g.Len(), "workers", r.opts.Workers)
	r.emit(event.Event{Kind: event.RunStarted, Status: record.RunRunning})

	for i := 0; i < r.opts.Workers; i++ {
		go r.worker(i)
	}
	defer close(r.jobs)

	for {
		if r.ctx.Err() != nil {
			return r.abort(record.RunCancelled, context.Cause(r.ctx), start)
		}

		r.settle()
		if r.halted != nil {
			return r.abort(record.RunFailed, r.halted, start)
		}
		if r.terminal == r.g.Len() {
			break
		}

		select {
		case res := <-r.results:
			r.complete(res)
		case name := <-r.wake:
			r.requeue(name)
		case <-r.ctx.Done():
		}
	}

	status := r.rec.Outcome()
	return r.finish(status, start)
}

// settle propagates failures and readiness and dispatches queued stages until
// nothing changes without a worker result or a timer.
func (r *run) settle() {
	for {
		r.propagate()
		if !r.dispatch() {
			return
		}
	}
}

// propagate skips stages that can no longer run and queues the ones whose
// dependencies are resolved.
func (r *run) propagate() {
	for {
		blocked := r.g.Blocked(r.rec)
		if len(blocked) == 0 {
			break
		}
		for _, name := range blocked {
			if !r.skip(name, record.SkipDependency, fmt.Errorf("stage '%s' cannot run: %s", name, r.blockedBy(name))) {
				return
			}
		}
	}

	for _, name := range r.g.ReadyStages(r.rec) {
		if err := r.rec.MarkReady(name, r.now()); err != nil {
			r.logger.Error("Failed to mark stage ready.", "stage", name, "error", err)
			r.halt(err)
			return
		}
		r.enqueue(name)
	}
}

func (r *run) blockedBy(name string) string {
	var parts []string
	for _, dep := range r.g.DependenciesOf(name) {
		switch st := r.rec.State(dep); {
		case st.Failure():
			parts = append(parts, fmt.Sprintf("dependency '%s' %s", dep, strings.ToLower(st.String())))
		case st == record.Skipped:
			parts = append(parts, fmt.Sprintf("dependency '%s' was skipped", dep))
		}
	}
	return strings.Join(parts, ", ")
}

func (r *run) enqueue(name string) {
	r.queue = append(r.queue, name)
	r.emit(event.Event{Kind: event.StageReady, Stage: name, State: record.Ready, Attempt: r.rec.Attempts(name) + 1})
}

// requeue handles an expired backoff timer.
func (r *run) requeue(name string) {
	delete(r.timers, name)
	if r.rec.State(name) != record.Ready {
		return
	}
	r.logger.Debug("Backoff elapsed, stage re-queued.", "stage", name)
	r.enqueue(name)
}

// dispatch starts queued stages while workers are free. It reports whether
// any stage reached a terminal state without a worker, which may unblock or
// skip others.
func (r *run) dispatch() bool {
	progressed := false
	for i := 0; i < len(r.queue) && r.busy < r.opts.Workers && r.halted == nil; {
		name := r.queue[i]
		spec, _ := r.g.Stage(name)
		if spec.Exclusive && r.serialBusy {
			i++
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		if !r.start(spec) {
			progressed = true
		}
	}
	return progressed
}

// start evaluates a ready stage and hands it to a worker. It returns false
// when the stage ended without being dispatched.
func (r *run) start(spec *stage.Spec) bool {
	name := spec.Name
	logger := r.logger.With("stage", name)
	scope := r.rec.Scope(r.input)

	if spec.Condition != nil {
		ok, err := spec.Condition.Evaluate(scope)
		if err != nil {
			r.fail(spec, &stage.PredicateError{Stage: name, Err: err})
			return false
		}
		if !ok {
			logger.Info("Stage condition is false, skipping.")
			r.skip(name, record.SkipCondition, nil)
			return false
		}
	}

	if spec.Binding == nil {
		r.fail(spec, stage.Permanent(fmt.Errorf("stage '%s' has no binding", name)))
		return false
	}

	inputs, err := scope.EvalInputs(spec.Inputs)
	if err != nil {
		r.fail(spec, &stage.InputError{Stage: name, Err: err})
		return false
	}

	now := r.now()
	if err := r.rec.MarkRunning(name, now); err != nil {
		logger.Error("Failed to mark stage running.", "error", err)
		r.halt(err)
		return false
	}
	if _, ok := r.started[name]; !ok {
		r.started[name] = now
	}

	deps := make(map[string]cty.Value, len(spec.DependsOn))
	for _, dep := range r.g.DependenciesOf(name) {
		if out, ok := scope.Outputs[dep]; ok {
			deps[dep] = out
		}
	}

	attempt := r.rec.Attempts(name)
	j := job{
		spec:  spec,
		guard: r.opts.Guards.For(r.ctx, spec.DependencyName()),
		req: &stage.Request{
			RunID:   r.rec.RunID(),
			Stage:   name,
			Attempt: attempt,
			Input:   r.input,
			Inputs:  inputs,
			Deps:    deps,
		},
	}
	if r.opts.Cache != nil && spec.IsIdempotent() {
		key, err := cache.Fingerprint(name, inputs)
		if err != nil {
			logger.Warn("Stage inputs cannot be fingerprinted, cache bypassed.", "error", err)
		} else {
			j.cacheKey = key
		}
	}

	r.busy++
	if spec.Exclusive {
		r.serialBusy = true
	}
	logger.Debug("Stage dispatched to worker.", "attempt", attempt, "busy", r.busy)
	r.emit(event.Event{Kind: event.StageStarted, Stage: name, Attempt: attempt, State: record.Running})
	r.jobs <- j
	return true
}

// complete records the outcome of one attempt.
func (r *run) complete(res result) {
	spec := res.spec
	name := spec.Name
	r.busy--
	if spec.Exclusive {
		r.serialBusy = false
	}
	if r.ctx.Err() != nil {
		// The run is being cancelled; abort settles every unfinished stage.
		return
	}
	logger := r.logger.With("stage", name, "attempt", res.attempt)

	if res.err == nil {
		if err := r.rec.Succeed(name, res.output, res.cached, r.now()); err != nil {
			logger.Error("Failed to record stage success.", "error", err)
			r.halt(err)
			return
		}
		r.terminal++
		logger.Info("Stage succeeded.", "cached", res.cached)
		r.emit(event.Event{Kind: event.StageSucceeded, Stage: name, Attempt: res.attempt, State: record.Succeeded, Cached: res.cached, Duration: r.elapsed(name)})
		return
	}

	err := classify(spec.Name, res.attempt, res.err)
	if stage.Retryable(err) && res.attempt < spec.Retry.Attempts() {
		delay := spec.Retry.Backoff(res.attempt - 1)
		if rerr := r.rec.Requeue(name, err, r.now()); rerr != nil {
			logger.Error("Failed to requeue stage.", "error", rerr)
			r.halt(rerr)
			return
		}
		logger.Warn("Stage attempt failed, retrying.", "error", err, "delay", delay)
		r.emit(event.Event{Kind: event.StageRetrying, Stage: name, Attempt: res.attempt, State: record.Ready, Err: err, Delay: delay})
		r.timers[name] = time.AfterFunc(delay, func() { r.wake <- name })
		return
	}

	r.fail(spec, err)
}

// classify wraps a binding error so that it names the stage and attempt.
func classify(name string, attempt int, err error) error {
	var (
		timeout   *stage.TimeoutError
		cancelled *stage.CancelledError
		exec      *stage.ExecutionError
	)
	if errors.As(err, &timeout) || errors.As(err, &cancelled) || errors.As(err, &exec) {
		return err
	}
	return &stage.ExecutionError{Stage: name, Attempt: attempt, Err: err}
}

// fail moves a stage to Failed, or TimedOut for a timeout.
func (r *run) fail(spec *stage.Spec, err error) {
	name := spec.Name
	var timeout *stage.TimeoutError
	state := record.Failed
	var rerr error
	if errors.As(err, &timeout) {
		state = record.TimedOut
		rerr = r.rec.TimeOut(name, err, r.now())
	} else {
		rerr = r.rec.Fail(name, err, r.now())
	}
	if rerr != nil {
		r.logger.Error("Failed to record stage failure.", "stage", name, "error", rerr)
		r.halt(rerr)
		return
	}
	r.terminal++

	attempts := r.rec.Attempts(name)
	r.logger.Error("Stage failed.", "stage", name, "state", state.String(), "attempts", attempts, "critical", spec.Critical, "error", err)
	r.emit(event.Event{Kind: event.StageFailed, Stage: name, Attempt: attempts, State: state, Err: err, Duration: r.elapsed(name)})

	if spec.Critical && r.opts.FailFast {
		r.halt(fmt.Errorf("%w: %s", ErrFailFast, name))
	}
}

// halt stops dispatching; the loop then aborts the run as Failed. The first
// cause wins.
func (r *run) halt(err error) {
	if r.halted == nil {
		r.halted = err
	}
}

// skip reports whether the stage was recorded as Skipped.
func (r *run) skip(name string, reason record.SkipReason, err error) bool {
	if serr := r.rec.Skip(name, reason, err, r.now()); serr != nil {
		r.logger.Error("Failed to skip stage.", "stage", name, "error", serr)
		r.halt(serr)
		return false
	}
	r.terminal++
	r.removeQueued(name)
	r.logger.Debug("Stage skipped.", "stage", name, "reason", reason)
	r.emit(event.Event{Kind: event.StageSkipped, Stage: name, State: record.Skipped, Reason: reason, Err: err})
	return true
}

func (r *run) removeQueued(name string) {
	for i, queued := range r.queue {
		if queued == name {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// abort cancels the run, skips everything that is not terminal and waits up
// to CancelGrace for workers still holding a job.
func (r *run) abort(status record.RunStatus, cause error, start time.Time) record.RunStatus {
	if cause == nil {
		cause = context.Canceled
	}
	r.cancel(cause)
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
	r.logger.Warn("Run cancelled, skipping unfinished stages.", "cause", cause, "inFlight", r.busy)

	for _, name := range r.g.Names() {
		if r.rec.State(name).Terminal() {
			continue
		}
		r.skip(name, record.SkipCancelled, &stage.CancelledError{Stage: name, Cause: cause})
	}

	if r.busy > 0 {
		grace := time.NewTimer(r.opts.CancelGrace)
		defer grace.Stop()
	wait:
		for r.busy > 0 {
			select {
			case <-r.results:
				r.busy--
			case <-grace.C:
				r.logger.Warn("Abandoning workers that ignored cancellation.", "count", r.busy, "grace", r.opts.CancelGrace)
				break wait
			}
		}
	}

	return r.finish(status, start)
}

func (r *run) finish(status record.RunStatus, start time.Time) record.RunStatus {
	now := r.now()
	if err := r.rec.Finish(status, now); err != nil {
		r.logger.Error("Failed to finish run.", "error", err)
	}
	r.logger.Info("Run finished.", "status", status.String(), "duration", now.Sub(start))
	r.emit(event.Event{Kind: event.RunCompleted, Status: status, Duration: now.Sub(start), Err: r.rec.Snapshot().Err()})
	return status
}

func (r *run) elapsed(name string) time.Duration {
	if t, ok := r.started[name]; ok {
		return r.now().Sub(t)
	}
	return 0
}

func (r *run) emit(e event.Event) {
	e.RunID = r.rec.RunID()
	e.Time = r.now()
	r.opts.Observer.Notify(e)
}
