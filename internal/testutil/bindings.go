package testutil

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// ExecutionRecord holds the start and end times of one binding call.
type ExecutionRecord struct {
	Stage   string
	Attempt int
	Start   time.Time
	End     time.Time
	Conn    any
}

// Step is one scripted response of a binding.
type Step struct {
	Output cty.Value
	Err    error
	// Delay is slept before responding. The sleep honours ctx unless
	// IgnoreCtx is set.
	Delay     time.Duration
	IgnoreCtx bool
	// Unhealthy marks the request's pooled connection as broken.
	Unhealthy bool
}

// Succeed responds with v.
func Succeed(v cty.Value) Step { return Step{Output: v} }

// Fail responds with err.
func Fail(err error) Step { return Step{Err: err} }

// Sleep responds with a null output after d.
func Sleep(d time.Duration) Step { return Step{Delay: d} }

// Recorder builds scripted bindings and records every call they receive.
type Recorder struct {
	mu    sync.Mutex
	calls []ExecutionRecord

	active    atomic.Int64
	maxActive atomic.Int64
}

// Script returns a binding that replays steps on successive calls of the same
// stage; the last step repeats. Without steps it echoes the stage's inputs.
func (r *Recorder) Script(steps ...Step) stage.Binding {
	var mu sync.Mutex
	next := make(map[string]int)

	return stage.BindingFunc(func(ctx context.Context, req *stage.Request) (cty.Value, error) {
		start := time.Now()
		r.enter()
		defer r.leave()

		mu.Lock()
		i := next[req.Stage]
		next[req.Stage]++
		mu.Unlock()

		step := Step{Output: req.Inputs}
		if len(steps) > 0 {
			if i >= len(steps) {
				i = len(steps) - 1
			}
			step = steps[i]
		}

		err := wait(ctx, step)
		if step.Unhealthy {
			req.MarkUnhealthy()
		}
		r.record(ExecutionRecord{Stage: req.Stage, Attempt: req.Attempt, Start: start, End: time.Now(), Conn: req.Conn})
		if err != nil {
			return cty.NilVal, err
		}
		return step.Output, step.Err
	})
}

func wait(ctx context.Context, step Step) error {
	if step.Delay <= 0 {
		return nil
	}
	if step.IgnoreCtx {
		time.Sleep(step.Delay)
		return nil
	}
	t := time.NewTimer(step.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) enter() {
	n := r.active.Add(1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

func (r *Recorder) leave() { r.active.Add(-1) }

func (r *Recorder) record(rec ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rec)
}

// Calls returns every recorded call, ordered by start time.
func (r *Recorder) Calls() []ExecutionRecord {
	r.mu.Lock()
	out := append([]ExecutionRecord(nil), r.calls...)
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// CallsFor returns the recorded calls of one stage.
func (r *Recorder) CallsFor(name string) []ExecutionRecord {
	var out []ExecutionRecord
	for _, c := range r.Calls() {
		if c.Stage == name {
			out = append(out, c)
		}
	}
	return out
}

// Order returns stage names in call start order.
func (r *Recorder) Order() []string {
	calls := r.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Stage)
	}
	return out
}

// MaxConcurrent is the highest number of calls observed in flight at once.
func (r *Recorder) MaxConcurrent() int { return int(r.maxActive.Load()) }
