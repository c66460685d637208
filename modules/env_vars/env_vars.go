// Package env_vars provides the env_vars binding, which exposes the process
// environment to downstream stages.
package env_vars

import (
	"context"
	"os"
	"strings"

	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// Module registers the env_vars binding.
type Module struct {
	// Environ lists KEY=VALUE pairs. It defaults to os.Environ.
	Environ func() []string
}

// Input is the env_vars binding's inputs.
type Input struct {
	// Prefix keeps only variables starting with it and strips it from the
	// keys.
	Prefix string `input:"prefix"`
}

// Register registers the handler with the registry.
func (m *Module) Register(r *registry.Registry) {
	environ := m.Environ
	if environ == nil {
		environ = os.Environ
	}
	fn := func(ctx context.Context, req *stage.Request) (cty.Value, error) {
		var in Input
		if err := req.Decode(&in); err != nil {
			return cty.NilVal, err
		}
		return cty.ObjectVal(map[string]cty.Value{"all": collect(environ(), in.Prefix)}), nil
	}
	r.RegisterBinding("env_vars", stage.Described(stage.BindingFunc(fn), stage.Descriptor{Idempotent: true}))
}

func collect(pairs []string, prefix string) cty.Value {
	vars := make(map[string]cty.Value)
	for _, e := range pairs {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		k = strings.TrimPrefix(k, prefix)
		if k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	if len(vars) == 0 {
		return cty.MapValEmpty(cty.String)
	}
	return cty.MapVal(vars)
}
