// Package stage defines the atomic unit of work in a workflow: its static
// description (Spec), the binding contract collaborators implement, the retry
// policy and the error taxonomy shared by the scheduler and its guards.
package stage

import (
	"regexp"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// nameRegex restricts stage names to HCL identifiers so that they can be
// traversed in expressions as `stage.<name>.output`.
var nameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidName reports whether name can be used as a stage name.
func ValidName(name string) bool {
	return nameRegex.MatchString(name)
}

// Spec is the static description of one stage. It is owned by the graph
// that declares it and must not be mutated once the graph is built.
type Spec struct {
	Name      string
	DependsOn []string

	// Exclusive stages never run alongside another exclusive stage of the
	// same run. Other stages are only bounded by the worker count.
	Exclusive bool

	// Condition is optional. When it evaluates to false the stage is
	// skipped without ever reaching a worker.
	Condition Predicate

	Timeout time.Duration
	Retry   RetryPolicy

	Idempotent bool
	Critical   bool

	// Dependency names the external system this stage calls. Stages sharing
	// a dependency share its circuit breaker, rate limiter and pool.
	Dependency string

	// AllowSkippedDeps treats a skipped dependency as satisfied.
	AllowSkippedDeps bool

	Binding Binding
	Inputs  map[string]hcl.Expression
}

// IsIdempotent merges the declared flag with the binding's static metadata.
func (s *Spec) IsIdempotent() bool {
	if s.Idempotent {
		return true
	}
	if d, ok := s.Binding.(Describer); ok {
		return d.Descriptor().Idempotent
	}
	return false
}

// DependencyName returns the declared dependency, falling back to the one the
// binding declares for itself.
func (s *Spec) DependencyName() string {
	if s.Dependency != "" {
		return s.Dependency
	}
	if d, ok := s.Binding.(Describer); ok {
		return d.Descriptor().Dependency
	}
	return ""
}
