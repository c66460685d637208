package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/specialistvlad/stagegrid/internal/archive"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/engine"
	"github.com/specialistvlad/stagegrid/internal/record"
)

// runSummary is the /runs listing entry.
type runSummary struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Counts     map[string]int `json:"counts"`
}

func summarize(s record.Snapshot) runSummary {
	out := runSummary{RunID: s.RunID, Status: s.Status.String(), StartedAt: s.StartedAt, Counts: map[string]int{}}
	if !s.FinishedAt.IsZero() {
		t := s.FinishedAt
		out.FinishedAt = &t
	}
	for state, n := range s.Counts() {
		out.Counts[state.String()] = n
	}
	return out
}

// statusServer builds the HTTP server exposing health, metrics, runs and
// dependency state.
func (a *App) statusServer() *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK\n")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{})))
	r.GET("/runs", a.listRuns)
	r.GET("/runs/:id", a.getRun)
	r.POST("/runs/:id/cancel", a.cancelRun)
	r.GET("/dependencies", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.guards.Statuses(time.Now()))
	})

	return &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

func (a *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("Status request served.",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"remoteAddr", c.ClientIP(),
		)
	}
}

func (a *App) listRuns(c *gin.Context) {
	runs := a.engine.Runs()
	out := make([]runSummary, 0, len(runs))
	for _, s := range runs {
		out = append(out, summarize(s))
	}
	c.JSON(http.StatusOK, out)
}

// getRun serves a live run from the engine, or a forgotten one from the
// archive when archiving is on.
func (a *App) getRun(c *gin.Context) {
	id := c.Param("id")
	snap, err := a.engine.Snapshot(id)
	if err == nil {
		c.JSON(http.StatusOK, snap)
		return
	}
	if !errors.Is(err, engine.ErrRunNotFound) || a.archive == nil {
		a.notFound(c, err)
		return
	}

	run, err := a.archive.Run(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			a.notFound(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Stagegrid-Source", "archive")
	c.Data(http.StatusOK, "application/json; charset=utf-8", run.Snapshot)
}

func (a *App) cancelRun(c *gin.Context) {
	if err := a.engine.CancelRun(c.Param("id")); err != nil {
		a.notFound(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("id"), "cancelled": true})
}

func (a *App) notFound(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
}

func (a *App) serve(ln net.Listener) error {
	a.logger.Info("🩺 Status server starting", "address", "http://"+ln.Addr().String())
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) shutdownServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	logger.Info("🩺 Shutting down status server...")
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status server shutdown failed", "error", err)
		return err
	}
	logger.Debug("Status server shut down gracefully.")
	return nil
}
