package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// states is a StateView backed by a map; missing stages read as Pending.
type states map[string]record.State

func (s states) State(name string) record.State { return s[name] }

func spec(name string, deps ...string) *stage.Spec {
	return &stage.Spec{Name: name, DependsOn: deps}
}

func diamond(t *testing.T) *Graph {
	t.Helper()
	g, err := Build([]*stage.Spec{
		spec("A"),
		spec("B", "A"),
		spec("C", "A"),
		spec("D", "B", "C"),
	})
	require.NoError(t, err)
	return g
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		specs    []*stage.Spec
		kind     ErrorKind
		contains string
	}{
		{"empty name", []*stage.Spec{spec("")}, InvalidName, "invalid stage name"},
		{"bad name", []*stage.Spec{spec("a.b")}, InvalidName, "a.b"},
		{"nil spec", []*stage.Spec{nil}, InvalidName, "invalid stage name"},
		{"duplicate", []*stage.Spec{spec("a"), spec("a")}, Duplicate, "duplicate stage name 'a'"},
		{"dangling", []*stage.Spec{spec("a", "ghost")}, Dangling, "undeclared stage 'ghost'"},
		{"self", []*stage.Spec{spec("a", "a")}, SelfDependency, "depends on itself"},
		{"two cycle", []*stage.Spec{spec("a", "b"), spec("b", "a")}, Cycle, "a -> b -> a"},
		{
			"long cycle behind a valid prefix",
			[]*stage.Spec{spec("root"), spec("x", "root", "z"), spec("y", "x"), spec("z", "y")},
			Cycle, "x -> z -> y -> x",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := Build(tc.specs)
			require.Nil(t, g)
			var ge *GraphError
			require.True(t, errors.As(err, &ge), "expected *GraphError, got %T", err)
			assert.Equal(t, tc.kind, ge.Kind)
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestBuild_EmptyAndDuplicateEdges(t *testing.T) {
	t.Parallel()
	g, err := Build(nil)
	require.NoError(t, err)
	assert.Zero(t, g.Len())
	assert.Empty(t, g.ReadyStages(states{}))

	g, err = Build([]*stage.Spec{spec("a"), spec("b", "a", "a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.DependenciesOf("b"))
	assert.Equal(t, []string{"b"}, g.DependentsOf("a"))
}

func TestGraph_Structure(t *testing.T) {
	t.Parallel()
	g := diamond(t)

	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Names())
	assert.Equal(t, []string{"A"}, g.Roots())
	assert.Equal(t, []string{"B", "C", "D"}, g.Descendants("A"))
	assert.Equal(t, []string{"D"}, g.Descendants("B"))
	assert.Empty(t, g.Descendants("D"))
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.TopologicalOrder())

	s, ok := g.Stage("C")
	require.True(t, ok)
	assert.Equal(t, "C", s.Name)
	assert.Len(t, g.Specs(), 4)
}

func TestGraph_ReadyStages(t *testing.T) {
	t.Parallel()
	g := diamond(t)

	testCases := []struct {
		name  string
		state states
		want  []string
	}{
		{"only the root at start", states{}, []string{"A"}},
		{"siblings after root", states{"A": record.Succeeded}, []string{"B", "C"}},
		{"running stages are not ready", states{"A": record.Succeeded, "B": record.Running}, []string{"C"}},
		{"join waits for both", states{"A": record.Succeeded, "B": record.Succeeded, "C": record.Running}, nil},
		{"join after both", states{"A": record.Succeeded, "B": record.Succeeded, "C": record.Succeeded}, []string{"D"}},
		{"skip blocks by default", states{"A": record.Succeeded, "B": record.Succeeded, "C": record.Skipped}, nil},
		{"failure blocks", states{"A": record.Failed}, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, g.ReadyStages(tc.state))
		})
	}
}

func TestGraph_SkipAsSatisfied(t *testing.T) {
	t.Parallel()
	d := spec("D", "B", "C")
	d.AllowSkippedDeps = true
	g, err := Build([]*stage.Spec{spec("A"), spec("B", "A"), spec("C", "A"), d})
	require.NoError(t, err)

	v := states{"A": record.Succeeded, "B": record.Succeeded, "C": record.Skipped}
	assert.Equal(t, []string{"D"}, g.ReadyStages(v))
	assert.Empty(t, g.Blocked(v))

	v["C"] = record.Failed
	assert.Empty(t, g.ReadyStages(v))
	assert.Equal(t, []string{"D"}, g.Blocked(v))
}

// randomDAG builds a graph where every edge points from a lower to a higher
// index, so it is acyclic by construction.
func randomDAG(t *testing.T, rng *rand.Rand, n int) *Graph {
	t.Helper()
	specs := make([]*stage.Spec, n)
	for i := 0; i < n; i++ {
		s := spec(fmt.Sprintf("s%d", i))
		for j := 0; j < i; j++ {
			if rng.Intn(4) == 0 {
				s.DependsOn = append(s.DependsOn, fmt.Sprintf("s%d", j))
			}
		}
		s.AllowSkippedDeps = rng.Intn(3) == 0
		specs[i] = s
	}
	g, err := Build(specs)
	require.NoError(t, err)
	return g
}

func TestGraph_ReadyNeverPrecedesDependencies(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(20250301))
	terminal := []record.State{record.Succeeded, record.Succeeded, record.Succeeded, record.Failed, record.Skipped, record.TimedOut}

	for trial := 0; trial < 200; trial++ {
		g := randomDAG(t, rng, 2+rng.Intn(14))
		v := states{}
		var inFlight []string

		for steps := 0; steps < 10*g.Len(); steps++ {
			ready := g.ReadyStages(v)
			for _, name := range ready {
				spec, _ := g.Stage(name)
				for _, dep := range g.DependenciesOf(name) {
					st := v.State(dep)
					require.True(t, st.Terminal(), "trial %d: %s ready while %s is %s", trial, name, dep, st)
					if st == record.Skipped {
						require.True(t, spec.AllowSkippedDeps)
					} else {
						require.Equal(t, record.Succeeded, st)
					}
				}
				v[name] = record.Running
				inFlight = append(inFlight, name)
			}
			blocked := g.Blocked(v)
			for _, name := range blocked {
				v[name] = record.Skipped
			}
			if len(ready) == 0 && len(blocked) == 0 && len(inFlight) == 0 {
				break
			}
			if len(inFlight) == 0 {
				continue
			}
			// Complete a random in-flight stage with a random terminal state.
			i := rng.Intn(len(inFlight))
			v[inFlight[i]] = terminal[rng.Intn(len(terminal))]
			inFlight = append(inFlight[:i], inFlight[i+1:]...)
		}

		for _, name := range g.Names() {
			require.True(t, v.State(name).Terminal(), "trial %d: stage %s left in %s", trial, name, v.State(name))
		}
	}
}
