package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/record"
)

// SnapshotSource supplies the final snapshot of a run. engine.Engine
// implements it.
type SnapshotSource interface {
	Snapshot(runID string) (record.Snapshot, error)
}

// Observer saves every completed run to a Store.
type Observer struct {
	store   *Store
	source  SnapshotSource
	logger  *slog.Logger
	timeout time.Duration
}

var _ event.Observer = (*Observer)(nil)

// NewObserver creates an observer that archives runs read from source.
func NewObserver(store *Store, source SnapshotSource, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{store: store, source: source, logger: logger, timeout: 10 * time.Second}
}

// Notify implements event.Observer. Failures are logged; archiving never
// affects a run.
func (o *Observer) Notify(e event.Event) {
	if e.Kind != event.RunCompleted {
		return
	}
	snap, err := o.source.Snapshot(e.RunID)
	if err != nil {
		o.logger.Warn("Run vanished before it could be archived.", "runID", e.RunID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.store.Save(ctx, snap); err != nil {
		o.logger.Error("Failed to archive run.", "runID", e.RunID, "error", err)
		return
	}
	o.logger.Debug("Run archived.", "runID", e.RunID, "status", snap.Status.String())
}
