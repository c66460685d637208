package graph

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/internal/stage"
)

// ErrorKind classifies a GraphError.
type ErrorKind int

const (
	InvalidName ErrorKind = iota
	Duplicate
	Dangling
	SelfDependency
	Cycle
)

// GraphError reports a malformed workflow definition.
type GraphError struct {
	Kind  ErrorKind
	Stage string
	// Related is the missing dependency for Dangling and the cycle path for Cycle.
	Related []string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case InvalidName:
		return fmt.Sprintf("invalid stage name '%s': must start with a letter or underscore and contain only letters, digits, '_' or '-'", e.Stage)
	case Duplicate:
		return fmt.Sprintf("duplicate stage name '%s'", e.Stage)
	case Dangling:
		return fmt.Sprintf("stage '%s' depends on undeclared stage '%s'", e.Stage, strings.Join(e.Related, "', '"))
	case SelfDependency:
		return fmt.Sprintf("stage '%s' depends on itself", e.Stage)
	case Cycle:
		return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Related, " -> "))
	default:
		return fmt.Sprintf("invalid workflow graph at stage '%s'", e.Stage)
	}
}

// StateView is the read access ReadyStages needs. Both *record.Record and
// record.Snapshot satisfy it.
type StateView interface {
	State(name string) record.State
}

// Graph is a validated, immutable DAG of stages.
type Graph struct {
	order      []string
	specs      map[string]*stage.Spec
	deps       map[string][]string
	dependents map[string][]string
}

// Build validates specs and returns the graph. The specs are owned by the
// graph afterwards and must not be modified.
func Build(specs []*stage.Spec) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(specs)),
		specs:      make(map[string]*stage.Spec, len(specs)),
		deps:       make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
	}

	for _, s := range specs {
		if s == nil || !stage.ValidName(s.Name) {
			name := ""
			if s != nil {
				name = s.Name
			}
			return nil, &GraphError{Kind: InvalidName, Stage: name}
		}
		if _, exists := g.specs[s.Name]; exists {
			return nil, &GraphError{Kind: Duplicate, Stage: s.Name}
		}
		g.specs[s.Name] = s
		g.order = append(g.order, s.Name)
	}

	for _, name := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.specs[name].DependsOn {
			if dep == name {
				return nil, &GraphError{Kind: SelfDependency, Stage: name}
			}
			if _, ok := g.specs[dep]; !ok {
				return nil, &GraphError{Kind: Dangling, Stage: name, Related: []string{dep}}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[name] = append(g.deps[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycles runs a depth-first traversal along dependency edges. A stage
// found again while it is still on the recursion stack closes a cycle.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool, len(g.order))
	onStack := make(map[string]bool)
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if onStack[name] {
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), name)
			return &GraphError{Kind: Cycle, Stage: name, Related: path}
		}

		onStack[name] = true
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, name)
		permanent[name] = true
		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.order) }

// Names returns stage names in declaration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Specs returns the stage specs in declaration order.
func (g *Graph) Specs() []*stage.Spec {
	out := make([]*stage.Spec, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.specs[name])
	}
	return out
}

// Stage returns the named spec.
func (g *Graph) Stage(name string) (*stage.Spec, bool) {
	s, ok := g.specs[name]
	return s, ok
}

// DependenciesOf returns the direct dependencies of name.
func (g *Graph) DependenciesOf(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// DependentsOf returns the stages that directly depend on name.
func (g *Graph) DependentsOf(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Descendants returns every stage that transitively depends on name, in
// breadth-first order.
func (g *Graph) Descendants(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// Roots returns the stages without dependencies.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.order {
		if len(g.deps[name]) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// TopologicalOrder returns the stages so that every stage follows all of its
// dependencies. Ties keep declaration order.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.deps[name])
	}
	out := make([]string, 0, len(g.order))
	done := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		for _, name := range g.order {
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			out = append(out, name)
			for _, d := range g.dependents[name] {
				indegree[d]--
			}
		}
	}
	return out
}

// Satisfied reports whether every dependency of name is resolved in v.
func (g *Graph) Satisfied(name string, v StateView) bool {
	spec := g.specs[name]
	for _, dep := range g.deps[name] {
		switch v.State(dep) {
		case record.Succeeded:
		case record.Skipped:
			if !spec.AllowSkippedDeps {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ReadyStages returns the Pending stages whose dependencies are all
// resolved, in declaration order.
func (g *Graph) ReadyStages(v StateView) []string {
	var ready []string
	for _, name := range g.order {
		if v.State(name) != record.Pending {
			continue
		}
		if g.Satisfied(name, v) {
			ready = append(ready, name)
		}
	}
	return ready
}

// Blocked returns the Pending stages that can never become ready because a
// dependency ended in a state that does not satisfy them.
func (g *Graph) Blocked(v StateView) []string {
	var blocked []string
	for _, name := range g.order {
		if v.State(name) != record.Pending {
			continue
		}
		spec := g.specs[name]
		for _, dep := range g.deps[name] {
			st := v.State(dep)
			if st.Failure() || (st == record.Skipped && !spec.AllowSkippedDeps) {
				blocked = append(blocked, name)
				break
			}
		}
	}
	return blocked
}
