package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/stagegrid/internal/cache"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/graph"
	"github.com/specialistvlad/stagegrid/internal/guard"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/zclconf/go-cty/cty"
)

const (
	DefaultWorkers     = 4
	DefaultCancelGrace = 5 * time.Second
)

var (
	// ErrDeadlineExceeded is the cancellation cause when a run outlives the
	// workflow deadline.
	ErrDeadlineExceeded = errors.New("workflow deadline exceeded")

	// ErrFailFast is the cancellation cause when a critical stage failed and
	// FailFast is set.
	ErrFailFast = errors.New("critical stage failed")
)

// Options configures a Scheduler. Zero values fall back to the defaults.
type Options struct {
	Workers  int
	FailFast bool

	// Deadline bounds the whole run. Zero means no deadline.
	Deadline time.Duration

	// CancelGrace is how long a cancelled run waits for in-flight workers.
	CancelGrace time.Duration

	// Guards supplies breakers, limiters and pools by dependency name. Nil
	// disables guarding.
	Guards *guard.Registry

	// Cache stores outputs of idempotent stages. Nil disables caching.
	Cache *cache.Cache[cty.Value]

	Observer event.Observer
	Now      func() time.Time
}

// Scheduler runs workflow graphs. One Scheduler may execute any number of
// runs concurrently; runs share only the guards and the cache.
type Scheduler struct {
	opts Options
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Observer == nil {
		opts.Observer = event.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts}
}

// Workers returns the size of each run's worker pool.
func (s *Scheduler) Workers() int { return s.opts.Workers }

// Execute runs g to completion and returns the final status, which is also
// recorded in rec.
func (s *Scheduler) Execute(ctx context.Context, g *graph.Graph, rec *record.Record, input cty.Value) record.RunStatus {
	if input == cty.NilVal || input.IsNull() {
		input = cty.EmptyObjectVal
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if s.opts.Deadline > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, s.opts.Deadline, ErrDeadlineExceeded)
		defer stop()
	}

	logger := ctxlog.FromContext(ctx).With("runID", rec.RunID())
	runCtx = ctxlog.WithLogger(runCtx, logger)

	r := newRun(s, runCtx, cancel, g, rec, input)
	return r.execute()
}
