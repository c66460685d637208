package stage

import (
	"context"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"
)

// Binding is the business logic behind a stage. Implementations must honour
// ctx cancellation at their I/O boundaries.
type Binding interface {
	Compute(ctx context.Context, req *Request) (cty.Value, error)
}

// BindingFunc adapts an ordinary function to the Binding interface.
type BindingFunc func(ctx context.Context, req *Request) (cty.Value, error)

// Compute calls f(ctx, req).
func (f BindingFunc) Compute(ctx context.Context, req *Request) (cty.Value, error) {
	return f(ctx, req)
}

// Descriptor is the static metadata a binding may declare about itself.
type Descriptor struct {
	Idempotent bool
	Dependency string
}

// Describer is implemented by bindings that declare static metadata.
type Describer interface {
	Descriptor() Descriptor
}

// Described attaches static metadata to a binding.
func Described(b Binding, d Descriptor) Binding {
	return &described{Binding: b, desc: d}
}

type described struct {
	Binding
	desc Descriptor
}

func (d *described) Descriptor() Descriptor { return d.desc }

// Request is everything a binding receives for a single attempt.
type Request struct {
	RunID   string
	Stage   string
	Attempt int

	// Input is the run's initial input.
	Input cty.Value
	// Inputs holds the stage's declared inputs, evaluated for this attempt.
	Inputs cty.Value
	// Deps maps each direct dependency to its output.
	Deps map[string]cty.Value

	// Conn is the pooled connection for the stage's dependency, if it has a pool.
	Conn any

	unhealthy atomic.Bool
}

// MarkUnhealthy tells the scheduler to discard Conn instead of returning it
// to the pool.
func (r *Request) MarkUnhealthy() {
	r.unhealthy.Store(true)
}

// Unhealthy reports whether MarkUnhealthy was called.
func (r *Request) Unhealthy() bool {
	return r.unhealthy.Load()
}

// Arg returns the declared input called name, or cty.NilVal when the stage
// declares no such input.
func (r *Request) Arg(name string) cty.Value {
	if r.Inputs.IsNull() || !r.Inputs.IsKnown() || !r.Inputs.Type().IsObjectType() {
		return cty.NilVal
	}
	if !r.Inputs.Type().HasAttribute(name) {
		return cty.NilVal
	}
	return r.Inputs.GetAttr(name)
}
