package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/graph"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/internal/scheduler"
	"github.com/zclconf/go-cty/cty"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunActive   = errors.New("run is still active")
	ErrClosed      = errors.New("engine is shut down")

	// ErrCancelled is the cancellation cause of runs stopped with CancelRun.
	ErrCancelled = errors.New("run cancelled on request")
)

type runState struct {
	rec    *record.Record
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine starts and tracks runs.
type Engine struct {
	exec scheduler.Executor
	now  func() time.Time

	mu     sync.Mutex
	runs   map[string]*runState
	order  []string
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine that executes runs with exec.
func New(exec scheduler.Executor) *Engine {
	return &Engine{
		exec: exec,
		now:  time.Now,
		runs: make(map[string]*runState),
	}
}

// StartRun begins a run of g in the background and returns its id. The run
// is cancelled when ctx ends.
func (e *Engine) StartRun(ctx context.Context, g *graph.Graph, input cty.Value) (string, error) {
	if g == nil {
		return "", errors.New("graph is nil")
	}

	id := uuid.NewString()
	rec := record.New(id, g.Specs(), e.now())
	runCtx, cancel := context.WithCancelCause(ctx)
	st := &runState{rec: rec, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(ErrClosed)
		return "", ErrClosed
	}
	e.runs[id] = st
	e.order = append(e.order, id)
	e.wg.Add(1)
	e.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Run accepted.", "runID", id, "stages", g.Len())

	go func() {
		defer e.wg.Done()
		defer close(st.done)
		defer cancel(nil)
		status := e.exec.Execute(runCtx, g, rec, input)
		logger.Debug("Run goroutine finished.", "runID", id, "status", status.String())
	}()
	return id, nil
}

// CancelRun requests cancellation of a run. Cancelling a finished run is a
// no-op.
func (e *Engine) CancelRun(id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	st.cancel(ErrCancelled)
	return nil
}

// Snapshot returns the current state of a run.
func (e *Engine) Snapshot(id string) (record.Snapshot, error) {
	st, err := e.state(id)
	if err != nil {
		return record.Snapshot{}, err
	}
	return st.rec.Snapshot(), nil
}

// Wait blocks until the run finishes or ctx ends and returns the run's
// latest snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (record.Snapshot, error) {
	st, err := e.state(id)
	if err != nil {
		return record.Snapshot{}, err
	}
	select {
	case <-st.done:
		return st.rec.Snapshot(), nil
	case <-ctx.Done():
		return st.rec.Snapshot(), ctx.Err()
	}
}

// Runs returns snapshots of every known run in start order.
func (e *Engine) Runs() []record.Snapshot {
	e.mu.Lock()
	states := make([]*runState, 0, len(e.order))
	for _, id := range e.order {
		states = append(states, e.runs[id])
	}
	e.mu.Unlock()

	out := make([]record.Snapshot, 0, len(states))
	for _, st := range states {
		out = append(out, st.rec.Snapshot())
	}
	return out
}

// Forget drops a finished run from the engine.
func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	select {
	case <-st.done:
	default:
		return fmt.Errorf("%w: %s", ErrRunActive, id)
	}
	delete(e.runs, id)
	for i, known := range e.order {
		if known == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Shutdown refuses new runs, cancels the active ones and waits for them to
// finish or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, st := range e.runs {
		st.cancel(ErrClosed)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) state(id string) (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return st, nil
}
