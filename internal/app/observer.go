package app

import (
	"log/slog"

	"github.com/specialistvlad/stagegrid/internal/event"
)

// logObserver logs lifecycle events. Terminal stage events are logged at
// info, failures at warn and everything else at debug.
func logObserver(logger *slog.Logger) event.Observer {
	return event.ObserverFunc(func(e event.Event) {
		switch e.Kind {
		case event.StageFailed:
			logger.Warn("Stage failed.", "event", e)
		case event.StageRetrying:
			logger.Warn("Stage attempt failed, retrying.", "event", e)
		case event.StageSucceeded, event.StageSkipped:
			logger.Info("Stage finished.", "event", e)
		default:
			logger.Debug("Lifecycle event.", "event", e)
		}
	})
}
