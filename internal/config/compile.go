package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/stagegrid/internal/breaker"
	"github.com/specialistvlad/stagegrid/internal/cache"
	"github.com/specialistvlad/stagegrid/internal/connpool"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/graph"
	"github.com/specialistvlad/stagegrid/internal/guard"
	"github.com/specialistvlad/stagegrid/internal/ratelimit"
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/scheduler"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// Plan is a compiled workflow, ready to be handed to a scheduler.
type Plan struct {
	Graph *graph.Graph
	// Options carries the workflow settings, the guards and the cache. The
	// caller adds an observer and may override Workers.
	Options scheduler.Options
}

// Compile resolves every stage's binding through reg, defines the declared
// dependencies on guards (a new registry when nil) and validates the graph.
// Configuration mistakes are collected and returned together.
func Compile(ctx context.Context, m *Model, reg *registry.Registry, guards *guard.Registry) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	if m == nil {
		return nil, errors.New("workflow model is nil")
	}
	if guards == nil {
		guards = guard.NewRegistry()
	}

	if err := reg.Validate(ctx, m.bindingNames(), m.connectorKinds()); err != nil {
		return nil, err
	}

	var errs []error
	for _, dep := range m.Dependencies {
		s, err := dependencySettings(dep, reg)
		if err == nil {
			_, err = guards.Define(ctx, dep.Name, s)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("dependency '%s' (%s): %w", dep.Name, dep.Source, err))
		}
	}

	specs := make([]*stage.Spec, 0, len(m.Stages))
	for _, st := range m.Stages {
		spec, err := stageSpec(st, reg)
		if err != nil {
			errs = append(errs, fmt.Errorf("stage '%s' (%s): %w", st.Name, st.Source, err))
			continue
		}
		specs = append(specs, spec)
	}
	if len(errs) > 0 {
		guards.Close()
		return nil, errors.Join(errs...)
	}

	g, err := graph.Build(specs)
	if err != nil {
		guards.Close()
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}

	plan := &Plan{Graph: g, Options: scheduler.Options{Guards: guards}}
	if wf := m.Workflow; wf != nil {
		plan.Options.Workers = wf.Workers
		plan.Options.FailFast = wf.FailFast
		plan.Options.Deadline = wf.Deadline
		plan.Options.CancelGrace = wf.CancelGrace
	}
	if c := m.Cache; c != nil {
		plan.Options.Cache = cache.New[cty.Value](cache.Settings{TTL: c.TTL, Capacity: c.Capacity, Shards: c.Shards})
	}

	logger.Debug("Workflow compiled.", "stages", g.Len(), "dependencies", len(m.Dependencies), "cache", m.Cache != nil)
	return plan, nil
}

func stageSpec(st *Stage, reg *registry.Registry) (*stage.Spec, error) {
	b, ok := reg.Binding(st.Uses)
	if !ok {
		return nil, fmt.Errorf("no binding registered as '%s'", st.Uses)
	}

	spec := &stage.Spec{
		Name:             st.Name,
		DependsOn:        st.DependsOn,
		Exclusive:        !boolOr(st.Parallel, true),
		Critical:         boolOr(st.Critical, true),
		Idempotent:       st.Idempotent,
		AllowSkippedDeps: st.AllowSkippedDeps,
		Dependency:       st.Dependency,
		Timeout:          st.Timeout,
		Binding:          b,
		Inputs:           st.Inputs,
	}
	if st.When != nil {
		spec.Condition = stage.ExprPredicate{Expr: st.When}
	}
	if r := st.Retry; r != nil {
		if r.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must not be negative, got %d", r.MaxRetries)
		}
		if r.Max > 0 && r.Base > r.Max {
			return nil, fmt.Errorf("retry base %s exceeds max %s", r.Base, r.Max)
		}
		spec.Retry = stage.RetryPolicy{MaxRetries: r.MaxRetries, Base: r.Base, Max: r.Max}
	}
	return spec, nil
}

func dependencySettings(dep *Dependency, reg *registry.Registry) (guard.Settings, error) {
	var s guard.Settings
	if b := dep.Breaker; b != nil {
		if b.Threshold < 0 {
			return s, fmt.Errorf("breaker threshold must not be negative, got %d", b.Threshold)
		}
		s.Breaker = breaker.Settings{Threshold: b.Threshold, RecoveryTimeout: b.RecoveryTimeout}
	}
	if rl := dep.RateLimit; rl != nil {
		mode, err := ratelimit.ParseMode(rl.Mode)
		if err != nil {
			return s, err
		}
		s.RateLimit = &ratelimit.Settings{Rate: rl.Rate, Burst: rl.Burst, Mode: mode}
	}
	if p := dep.Pool; p != nil {
		c, ok := reg.Connector(p.Connector)
		if !ok {
			return s, fmt.Errorf("no connector registered as '%s'", p.Connector)
		}
		s.Pool = &guard.PoolSettings{
			Connector: c,
			Settings:  connpool.Settings{MaxSize: p.MaxSize, AcquireTimeout: p.AcquireTimeout},
		}
	}
	return s, nil
}

func (m *Model) bindingNames() []string {
	out := make([]string, 0, len(m.Stages))
	for _, st := range m.Stages {
		out = append(out, st.Uses)
	}
	return out
}

func (m *Model) connectorKinds() []string {
	var out []string
	for _, dep := range m.Dependencies {
		if dep.Pool != nil {
			out = append(out, dep.Pool.Connector)
		}
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
