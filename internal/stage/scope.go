package stage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Scope is the data visible to a stage's condition and declared inputs: the
// run input plus the state and output of every stage that has finished.
type Scope struct {
	Input   cty.Value
	Outputs map[string]cty.Value
	States  map[string]string
}

// functions are available to every expression evaluated in a Scope.
var functions = map[string]function.Function{
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"length":     stdlib.LengthFunc,
	"format":     stdlib.FormatFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
}

// EvalContext builds the HCL evaluation context for the scope. Stages are
// exposed as `stage.<name>.output` and `stage.<name>.state`, the run input as
// `input`.
func (s Scope) EvalContext() *hcl.EvalContext {
	names := make([]string, 0, len(s.States))
	for name := range s.States {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make(map[string]cty.Value, len(names))
	for _, name := range names {
		out, ok := s.Outputs[name]
		if !ok || out == cty.NilVal {
			out = cty.NullVal(cty.DynamicPseudoType)
		}
		stages[name] = cty.ObjectVal(map[string]cty.Value{
			"output": out,
			"state":  cty.StringVal(s.States[name]),
		})
	}

	input := s.Input
	if input == cty.NilVal {
		input = cty.EmptyObjectVal
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"stage": cty.ObjectVal(stages),
			"input": input,
		},
		Functions: functions,
	}
}

// EvalInputs evaluates declared input expressions into a single object value.
func (s Scope) EvalInputs(inputs map[string]hcl.Expression) (cty.Value, error) {
	if len(inputs) == 0 {
		return cty.EmptyObjectVal, nil
	}
	ectx := s.EvalContext()
	attrs := make(map[string]cty.Value, len(inputs))
	var diags hcl.Diagnostics
	for name, expr := range inputs {
		val, d := expr.Value(ectx)
		diags = append(diags, d...)
		attrs[name] = val
	}
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return cty.ObjectVal(attrs), nil
}

// Predicate decides whether a ready stage should run.
type Predicate interface {
	Evaluate(scope Scope) (bool, error)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(scope Scope) (bool, error)

// Evaluate calls f(scope).
func (f PredicateFunc) Evaluate(scope Scope) (bool, error) { return f(scope) }

// ExprPredicate is a condition written as an HCL expression.
type ExprPredicate struct {
	Expr hcl.Expression
}

// Evaluate evaluates the expression and requires a known, non-null bool.
func (p ExprPredicate) Evaluate(scope Scope) (bool, error) {
	val, diags := p.Expr.Value(scope.EvalContext())
	if diags.HasErrors() {
		return false, diags
	}
	if val.IsNull() {
		return false, errors.New("condition evaluated to null")
	}
	if !val.IsKnown() {
		return false, errors.New("condition value is not known")
	}
	if !val.Type().Equals(cty.Bool) {
		return false, fmt.Errorf("condition must be a bool, got %s", val.Type().FriendlyName())
	}
	return val.True(), nil
}
