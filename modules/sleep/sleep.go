// Package sleep provides the sleep binding, which waits for a duration and
// honours cancellation. It is useful for shaping workflows and in tests.
package sleep

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// Module registers the sleep binding.
type Module struct{}

// Input is the sleep binding's inputs.
type Input struct {
	Duration string `input:"duration,required"`
}

// Register registers the handler with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterBinding("sleep", stage.Described(stage.BindingFunc(sleep), stage.Descriptor{Idempotent: true}))
}

func sleep(ctx context.Context, req *stage.Request) (cty.Value, error) {
	var in Input
	if err := req.Decode(&in); err != nil {
		return cty.NilVal, err
	}
	d, err := time.ParseDuration(in.Duration)
	if err != nil || d < 0 {
		return cty.NilVal, stage.Permanent(fmt.Errorf("stage '%s': invalid duration '%s'", req.Stage, in.Duration))
	}

	start := time.Now()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return cty.NilVal, ctx.Err()
	}
	return cty.ObjectVal(map[string]cty.Value{
		"slept": cty.StringVal(time.Since(start).Round(time.Millisecond).String()),
	}), nil
}
