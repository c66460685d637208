package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/record"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	// keptRuns is how many finished runs stay queryable in recurring mode.
	keptRuns = 32
)

// RunError reports a run that did not complete.
type RunError struct {
	RunID  string
	Status record.RunStatus
	Err    error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("run %s %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("run %s %s: %v", e.RunID, e.Status, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Run executes the workflow once, or every Config.Every until ctx ends, and
// serves the status endpoints meanwhile. It releases every component before
// returning. A single run that does not complete is reported as *RunError.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	defer a.release(ctx)
	a.logger.Debug("App.Run method started.")

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	if a.cfg.StatusAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
		a.server = a.statusServer()
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		g.Go(func() error { return a.serve(ln) })
		g.Go(func() error {
			<-loopCtx.Done()
			return a.shutdownServer(ctx)
		})
	}

	g.Go(func() error {
		defer stopLoop()
		return a.loop(loopCtx)
	})

	err := g.Wait()
	a.logger.Debug("App.Run method finished.", "error", err)
	return err
}

func (a *App) loop(ctx context.Context) error {
	if a.plan.Graph.Len() == 0 {
		a.logger.Warn("No stages found in workflow, execution not required.")
		return nil
	}

	if a.cfg.Every <= 0 {
		snap, err := a.runOnce(ctx)
		if err != nil {
			return err
		}
		return outcome(snap)
	}

	ticker := time.NewTicker(a.cfg.Every)
	defer ticker.Stop()
	for {
		snap, err := a.runOnce(ctx)
		if err != nil {
			return err
		}
		if err := outcome(snap); err != nil {
			a.logger.Error("Run did not complete.", "runID", snap.RunID, "status", snap.Status.String(), "error", err)
		}
		a.logger.Info("Waiting for next run.", "every", a.cfg.Every.String())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runOnce starts a run and waits for it. When ctx ends the run is cancelled
// by the engine and its final snapshot is still collected.
func (a *App) runOnce(ctx context.Context) (record.Snapshot, error) {
	id, err := a.engine.StartRun(ctx, a.plan.Graph, a.input)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("failed to start run: %w", err)
	}
	a.logger.Info("🚀 Run started.", "runID", id, "stages", a.plan.Graph.Len())

	snap, err := a.engine.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		snap, err = a.engine.Wait(waitCtx, id)
		cancel()
	}
	if err != nil {
		return snap, fmt.Errorf("failed to wait for run %s: %w", id, err)
	}

	a.logger.Info("🏁 Run finished.", "runID", id, "status", snap.Status.String(), "duration", snap.FinishedAt.Sub(snap.StartedAt).String())
	if a.cfg.Summary {
		if err := WriteSummary(a.outW, snap); err != nil {
			a.logger.Warn("Failed to write run summary.", "error", err)
		}
	}
	a.retain(id)
	return snap, nil
}

// retain forgets the oldest finished runs beyond keptRuns.
func (a *App) retain(id string) {
	a.runs = append(a.runs, id)
	for len(a.runs) > keptRuns {
		if err := a.engine.Forget(a.runs[0]); err != nil {
			a.logger.Debug("Could not forget run.", "runID", a.runs[0], "error", err)
		}
		a.runs = a.runs[1:]
	}
}

func outcome(snap record.Snapshot) error {
	if snap.Status == record.RunCompleted {
		return nil
	}
	err := snap.Err()
	if err == nil && snap.Status == record.RunCancelled {
		err = errors.New("cancelled before completion")
	}
	return &RunError{RunID: snap.RunID, Status: snap.Status, Err: err}
}
