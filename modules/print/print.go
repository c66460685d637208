// Package print provides the print binding, which writes a stage's inputs to
// an output stream and passes them through as its output.
package print

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Module registers the print binding.
type Module struct {
	// Out receives printed lines. It defaults to os.Stdout.
	Out io.Writer
}

// Register registers the handler with the registry.
func (m *Module) Register(r *registry.Registry) {
	out := m.Out
	if out == nil {
		out = os.Stdout
	}
	p := &printer{out: out}
	r.RegisterBinding("print", stage.Described(stage.BindingFunc(p.compute), stage.Descriptor{Idempotent: true}))
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) compute(ctx context.Context, req *stage.Request) (cty.Value, error) {
	ctxlog.FromContext(ctx).Debug("Printing input.", "stage", req.Stage)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", req.Stage)
	if req.Inputs.IsNull() || !req.Inputs.Type().IsObjectType() || req.Inputs.LengthInt() == 0 {
		b.WriteString("      (null)\n")
	} else {
		attrs := req.Inputs.Type().AttributeTypes()
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "      %s = %s\n", k, Format(req.Inputs.GetAttr(k)))
		}
	}

	// Lines from concurrent stages must not interleave.
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.out, b.String()); err != nil {
		return cty.NilVal, fmt.Errorf("failed to write output: %w", err)
	}
	return req.Inputs, nil
}

// Format renders a value for display: strings are quoted and everything else
// is printed as JSON.
func Format(v cty.Value) string {
	switch {
	case v.IsNull():
		return "null"
	case !v.IsWhollyKnown():
		return "(unknown)"
	case v.Type() == cty.String:
		return fmt.Sprintf("%q", v.AsString())
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return v.GoString()
	}
	return string(raw)
}
