// This file translates the decoded HCL blocks into the format-agnostic
// configuration model defined in the config package.

package hcl

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/stagegrid/internal/config"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

func translateWorkflow(b *workflowBlock) (*config.Workflow, error) {
	wf := &config.Workflow{Workers: b.Workers, FailFast: b.FailFast, Source: source(b.DefRange)}
	if b.Workers < 0 {
		return nil, fmt.Errorf("workflow (%s): workers must not be negative", wf.Source)
	}
	var err error
	if wf.Deadline, err = config.ParseDuration("deadline", b.Deadline); err != nil {
		return nil, fmt.Errorf("workflow (%s): %w", wf.Source, err)
	}
	if wf.CancelGrace, err = config.ParseDuration("cancel_grace", b.CancelGrace); err != nil {
		return nil, fmt.Errorf("workflow (%s): %w", wf.Source, err)
	}
	return wf, nil
}

func translateCache(b *cacheBlock) (*config.Cache, error) {
	c := &config.Cache{Capacity: b.Capacity, Shards: b.Shards, Source: source(b.DefRange)}
	ttl, err := config.ParseDuration("ttl", b.TTL)
	if err != nil {
		return nil, fmt.Errorf("cache (%s): %w", c.Source, err)
	}
	c.TTL = ttl
	return c, nil
}

func translateDependency(b *dependencyBlock) (*config.Dependency, error) {
	dep := &config.Dependency{Name: b.Name, Source: source(b.DefRange)}
	wrap := func(err error) error {
		return fmt.Errorf("dependency '%s' (%s): %w", dep.Name, dep.Source, err)
	}

	if br := b.Breaker; br != nil {
		d, err := config.ParseDuration("recovery_timeout", br.RecoveryTimeout)
		if err != nil {
			return nil, wrap(err)
		}
		dep.Breaker = &config.Breaker{Threshold: br.Threshold, RecoveryTimeout: d}
	}
	if rl := b.RateLimit; rl != nil {
		dep.RateLimit = &config.RateLimit{Rate: rl.Rate, Burst: rl.Burst, Mode: rl.Mode}
	}
	if p := b.Pool; p != nil {
		d, err := config.ParseDuration("acquire_timeout", p.AcquireTimeout)
		if err != nil {
			return nil, wrap(err)
		}
		dep.Pool = &config.Pool{Connector: p.Connector, MaxSize: p.MaxSize, AcquireTimeout: d}
	}
	return dep, nil
}

func translateStage(ctx context.Context, b *stageBlock) (*config.Stage, error) {
	logger := ctxlog.FromContext(ctx)
	st := &config.Stage{
		Name:             b.Name,
		Uses:             b.Uses,
		DependsOn:        b.DependsOn,
		Parallel:         b.Parallel,
		Critical:         b.Critical,
		Idempotent:       b.Idempotent,
		AllowSkippedDeps: b.AllowSkippedDeps,
		Dependency:       b.Dependency,
		Source:           source(b.DefRange),
	}
	wrap := func(err error) error {
		return fmt.Errorf("stage '%s' (%s): %w", st.Name, st.Source, err)
	}

	var err error
	if st.Timeout, err = config.ParseDuration("timeout", b.Timeout); err != nil {
		return nil, wrap(err)
	}
	if r := b.Retry; r != nil {
		retry := &config.Retry{MaxRetries: r.MaxRetries}
		if retry.Base, err = config.ParseDuration("base", r.Base); err != nil {
			return nil, wrap(err)
		}
		if retry.Max, err = config.ParseDuration("max", r.Max); err != nil {
			return nil, wrap(err)
		}
		st.Retry = retry
	}
	if present(b.When) {
		st.When = b.When
	}
	if present(b.Inputs) {
		if st.Inputs, err = splitInputs(b.Inputs); err != nil {
			return nil, wrap(err)
		}
	}

	logger.Debug("Translated stage.", "stage", st.Name, "uses", st.Uses, "inputs", len(st.Inputs), "conditional", st.When != nil)
	return st, nil
}

// splitInputs turns `inputs = { a = expr, b = expr }` into one expression per
// key so that each input is evaluated on its own.
func splitInputs(expr hcl.Expression) (map[string]hcl.Expression, error) {
	pairs, diags := hcl.ExprMap(expr)
	if diags.HasErrors() {
		return nil, fmt.Errorf("inputs must be an object literal: %w", diags)
	}
	out := make(map[string]hcl.Expression, len(pairs))
	for _, pair := range pairs {
		key, diags := pair.Key.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("input names must be static: %w", diags)
		}
		if key.IsNull() || !key.Type().Equals(cty.String) {
			return nil, errors.New("input names must be strings")
		}
		name := key.AsString()
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("input '%s' is declared twice", name)
		}
		out[name] = pair.Value
	}
	return out, nil
}

// present reports whether an optional expression attribute was written.
// gohcl fills absent ones with a static null.
func present(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	if len(expr.Variables()) > 0 {
		return true
	}
	v, diags := expr.Value(nil)
	return diags.HasErrors() || !v.IsNull()
}

func source(r hcl.Range) string {
	return fmt.Sprintf("%s:%d", r.Filename, r.Start.Line)
}
