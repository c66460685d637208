package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/stagegrid/internal/cache"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/guard"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

type job struct {
	spec     *stage.Spec
	guard    *guard.Guard
	req      *stage.Request
	cacheKey string
}

type result struct {
	spec    *stage.Spec
	attempt int
	output  cty.Value
	cached  bool
	err     error
}

// worker is the processing loop of one pooled worker goroutine.
func (r *run) worker(workerID int) {
	logger := r.logger.With("workerID", workerID)
	logger.Debug("Worker started.")
	for j := range r.jobs {
		logger.Debug("Worker picked up stage.", "stage", j.spec.Name, "attempt", j.req.Attempt)
		r.results <- r.perform(j)
	}
	logger.Debug("Worker finished.")
}

// perform runs one attempt under the stage timeout. The attempt itself runs
// in its own goroutine so that a binding ignoring its context still times out.
func (r *run) perform(j job) result {
	res := result{spec: j.spec, attempt: j.req.Attempt}

	ctx := ctxlog.With(r.ctx, "stage", j.spec.Name, "attempt", j.req.Attempt)
	if j.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.spec.Timeout)
		defer cancel()
	}

	type outcome struct {
		output cty.Value
		cached bool
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if p := recover(); p != nil {
				o = outcome{err: panicked(p)}
			}
			done <- o
		}()
		o.output, o.cached, o.err = r.attempt(ctx, j)
	}()

	select {
	case o := <-done:
		res.output, res.cached, res.err = o.output, o.cached, o.err
		if res.err != nil && ctx.Err() != nil {
			res.err = r.interrupted(ctx, j)
		}
	case <-ctx.Done():
		res.err = r.interrupted(ctx, j)
	}
	if res.err == nil && res.output == cty.NilVal {
		res.output = cty.NullVal(cty.DynamicPseudoType)
	}
	return res
}

// interrupted explains why ctx ended: the run was cancelled, or the stage ran
// out of time.
func (r *run) interrupted(ctx context.Context, j job) error {
	if r.ctx.Err() != nil {
		return &stage.CancelledError{Stage: j.spec.Name, Cause: context.Cause(r.ctx)}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &stage.TimeoutError{Stage: j.spec.Name, Timeout: j.spec.Timeout}
	}
	return &stage.CancelledError{Stage: j.spec.Name, Cause: ctx.Err()}
}

// attempt runs the binding through the cache and the guard.
func (r *run) attempt(ctx context.Context, j job) (cty.Value, bool, error) {
	compute := func(ctx context.Context) (cty.Value, error) {
		var out cty.Value
		err := j.guard.Do(ctx, func(ctx context.Context, conn any) (bool, error) {
			j.req.Conn = conn
			v, err := j.spec.Binding.Compute(ctx, j.req)
			out = v
			return j.req.Unhealthy(), err
		})
		return out, err
	}

	if j.cacheKey == "" {
		out, err := compute(ctx)
		return out, false, err
	}
	out, cached, err := r.opts.Cache.Do(ctx, j.cacheKey, compute)
	var pe *cache.PanicError
	if errors.As(err, &pe) {
		err = panicked(pe.Value)
	}
	return out, cached, err
}

// panicked reports a recovered binding panic. Panics are not retried.
func panicked(p any) error {
	return stage.Permanent(fmt.Errorf("binding panicked: %v", p))
}
