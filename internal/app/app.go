package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/specialistvlad/stagegrid/internal/archive"
	"github.com/specialistvlad/stagegrid/internal/breaker"
	"github.com/specialistvlad/stagegrid/internal/config"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/engine"
	"github.com/specialistvlad/stagegrid/internal/event"
	"github.com/specialistvlad/stagegrid/internal/guard"
	"github.com/specialistvlad/stagegrid/internal/hcl"
	"github.com/specialistvlad/stagegrid/internal/metrics"
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/scheduler"
	"github.com/specialistvlad/stagegrid/internal/yamlconf"
	"github.com/zclconf/go-cty/cty"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	cfg    *Config
	outW   io.Writer
	logger *slog.Logger

	registry *registry.Registry
	plan     *config.Plan
	guards   *guard.Registry
	bus      *event.Bus
	engine   *engine.Engine
	input    cty.Value

	prom    *prometheus.Registry
	metrics *metrics.Observer
	archive *archive.Store

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	runs     []string
}

// NewApp loads and compiles the workflow and wires the engine with its
// observers. Without modules the bundled ones are registered.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, modules ...registry.Module) (app *App, err error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules(outW)
	}
	reg.Load(modules...)
	logger.Debug("All Go modules registered.", "count", len(modules), "bindings", reg.Bindings(), "connectors", reg.Connectors())

	model, err := loadModel(ctx, cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	a := &App{
		cfg:      cfg,
		outW:     outW,
		logger:   logger,
		registry: reg,
		guards:   guard.NewRegistry(),
		bus:      event.NewBus(),
		input:    inputValue(cfg.Input),
		prom:     prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.release(ctx)
		}
	}()

	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.prom)
	a.guards.OnStateChange(func(dep string, from, to breaker.State) {
		logger.Info("Circuit breaker changed state.", "dependency", dep, "from", from.String(), "to", to.String())
		a.metrics.BreakerChanged(dep, from, to)
	})

	if a.plan, err = config.Compile(ctx, model, reg, a.guards); err != nil {
		return nil, err
	}

	opts := a.plan.Options
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	opts.Observer = a.bus
	a.engine = engine.New(scheduler.New(opts))

	a.bus.Subscribe(a.metrics)
	a.bus.Subscribe(logObserver(logger))
	if cfg.ArchiveDSN != "" {
		if a.archive, err = openArchive(ctx, cfg.ArchiveDSN); err != nil {
			return nil, err
		}
		a.bus.Subscribe(archive.NewObserver(a.archive, a.engine, logger))
	}

	logger.Debug("Application wired.", "stages", a.plan.Graph.Len(), "dependencies", a.guards.Names())
	return a, nil
}

func loadModel(ctx context.Context, paths []string) (*config.Model, error) {
	loaders := []config.Loader{hcl.NewLoader(), yamlconf.NewLoader()}
	model := config.NewModel()
	for _, l := range loaders {
		m, err := l.Load(ctx, paths...)
		if err != nil {
			return nil, err
		}
		if err := model.Merge(m); err != nil {
			return nil, err
		}
	}
	ctxlog.FromContext(ctx).Info("Workflow loaded.", "stages", len(model.Stages), "dependencies", len(model.Dependencies))
	return model, nil
}

func openArchive(ctx context.Context, dsn string) (*archive.Store, error) {
	store, err := archive.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to migrate archive: %w", err), store.Close())
	}
	ctxlog.FromContext(ctx).Info("Archiving runs.", "driver", store.Driver())
	return store, nil
}

func inputValue(in map[string]string) cty.Value {
	if len(in) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(in))
	for k, v := range in {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry { return a.registry }

// Engine returns the engine that executes the workflow's runs.
func (a *App) Engine() *engine.Engine { return a.engine }

// Stages returns the number of stages in the compiled workflow.
func (a *App) Stages() int { return a.plan.Graph.Len() }

// Close releases an app that will not be run.
func (a *App) Close(ctx context.Context) {
	a.release(ctxlog.WithLogger(ctx, a.logger))
}

// StatusAddr returns the status server's bound address once Run has started
// it, or "".
func (a *App) StatusAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// release stops every component in reverse wiring order. Queued events are
// delivered before the archive is closed.
func (a *App) release(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	if a.engine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := a.engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Runs did not stop in time.", "error", err)
		}
		cancel()
	}
	a.bus.Close()
	a.guards.Close()
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Warn("Failed to close archive.", "error", err)
		}
	}
}
