package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/specialistvlad/stagegrid/internal/connpool"
	"github.com/specialistvlad/stagegrid/internal/graph"
	"github.com/specialistvlad/stagegrid/internal/guard"
	"github.com/specialistvlad/stagegrid/internal/ratelimit"
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

type fakeModule struct{}

func (fakeModule) Register(r *registry.Registry) {
	r.RegisterBinding("echo", stage.BindingFunc(func(_ context.Context, req *stage.Request) (cty.Value, error) {
		return req.Inputs, nil
	}))
	r.RegisterConnector("null", connpool.ConnectorFuncs{
		ConnectFunc: func(context.Context) (any, error) { return struct{}{}, nil },
	})
}

func newRegistry() *registry.Registry {
	r := registry.New()
	r.Load(fakeModule{})
	return r
}

func expr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), diags.Error())
	return e
}

func ptr[T any](v T) *T { return &v }

func TestCompile_StageDefaults(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m := &Model{Stages: []*Stage{
		{Name: "fetch", Uses: "echo"},
		{
			Name:      "report",
			Uses:      "echo",
			DependsOn: []string{"fetch"},
			When:      expr(t, `stage.fetch.state == "Succeeded"`),
			Parallel:  ptr(false),
			Critical:  ptr(false),
			Timeout:   time.Second,
			Retry:     &Retry{MaxRetries: 2, Base: 10 * time.Millisecond, Max: time.Second},
			Inputs:    map[string]hcl.Expression{"who": expr(t, `input.company`)},
		},
	}}

	// --- Act ---
	plan, err := Compile(context.Background(), m, newRegistry(), nil)

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, 2, plan.Graph.Len())
	require.NotNil(t, plan.Options.Guards)
	assert.Nil(t, plan.Options.Cache)

	fetch, _ := plan.Graph.Stage("fetch")
	assert.False(t, fetch.Exclusive, "parallel defaults to true")
	assert.True(t, fetch.Critical, "critical defaults to true")
	assert.Nil(t, fetch.Condition)
	assert.NotNil(t, fetch.Binding)

	report, _ := plan.Graph.Stage("report")
	assert.True(t, report.Exclusive, "parallel = false makes the stage exclusive")
	assert.False(t, report.Critical)
	assert.Equal(t, time.Second, report.Timeout)
	assert.Equal(t, stage.RetryPolicy{MaxRetries: 2, Base: 10 * time.Millisecond, Max: time.Second}, report.Retry)
	require.NotNil(t, report.Condition)
	ok, err := report.Condition.Evaluate(stage.Scope{States: map[string]string{"fetch": "Succeeded"}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, report.Inputs, "who")
}

func TestCompile_WorkflowAndCache(t *testing.T) {
	t.Parallel()
	m := &Model{
		Workflow: &Workflow{Workers: 8, Deadline: time.Minute, CancelGrace: time.Second, FailFast: true},
		Cache:    &Cache{TTL: time.Minute, Capacity: 16},
		Stages:   []*Stage{{Name: "only", Uses: "echo", Idempotent: true}},
	}

	plan, err := Compile(context.Background(), m, newRegistry(), nil)

	require.NoError(t, err)
	assert.Equal(t, 8, plan.Options.Workers)
	assert.Equal(t, time.Minute, plan.Options.Deadline)
	assert.Equal(t, time.Second, plan.Options.CancelGrace)
	assert.True(t, plan.Options.FailFast)
	require.NotNil(t, plan.Options.Cache)
	plan.Options.Cache.Set("k", cty.True)
	assert.Equal(t, 1, plan.Options.Cache.Len())
}

func TestCompile_DefinesDependencies(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	guards := guard.NewRegistry()
	m := &Model{
		Dependencies: []*Dependency{{
			Name:      "crm",
			Breaker:   &Breaker{Threshold: 3, RecoveryTimeout: time.Second},
			RateLimit: &RateLimit{Rate: 5, Burst: 2, Mode: "fail_fast"},
			Pool:      &Pool{Connector: "null", MaxSize: 2},
		}},
		Stages: []*Stage{{Name: "call", Uses: "echo", Dependency: "crm"}},
	}

	// --- Act ---
	_, err := Compile(context.Background(), m, newRegistry(), guards)

	// --- Assert ---
	require.NoError(t, err)
	g, ok := guards.Lookup("crm")
	require.True(t, ok)
	assert.NotNil(t, g.Breaker)
	require.NotNil(t, g.Limiter)
	require.NotNil(t, g.Pool)
	assert.Equal(t, 2, g.Pool.Stats().MaxSize)

	require.NoError(t, g.Limiter.Acquire(context.Background()))
	require.NoError(t, g.Limiter.Acquire(context.Background()))
	assert.ErrorIs(t, g.Limiter.Acquire(context.Background()), ratelimit.ErrRateLimited)
	guards.Close()
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		model   *Model
		wantErr string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "nil model",
			wantErr: "workflow model is nil",
		},
		{
			name:    "unknown binding",
			model:   &Model{Stages: []*Stage{{Name: "a", Uses: "nope"}}},
			wantErr: "no binding registered as 'nope'",
		},
		{
			name:    "unknown connector",
			model:   &Model{Dependencies: []*Dependency{{Name: "d", Pool: &Pool{Connector: "tcp", MaxSize: 1}}}},
			wantErr: "no connector registered as 'tcp'",
		},
		{
			name: "bad rate limit mode and negative retries are both reported",
			model: &Model{
				Dependencies: []*Dependency{{Name: "d", Source: "a.hcl:3", RateLimit: &RateLimit{Rate: 1, Burst: 1, Mode: "sometimes"}}},
				Stages:       []*Stage{{Name: "a", Uses: "echo", Source: "a.hcl:9", Retry: &Retry{MaxRetries: -1}}},
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "dependency 'd' (a.hcl:3): unknown rate limit mode 'sometimes'")
				assert.Contains(t, err.Error(), "stage 'a' (a.hcl:9): max_retries must not be negative")
			},
		},
		{
			name:    "duplicate dependency",
			model:   &Model{Dependencies: []*Dependency{{Name: "d"}, {Name: "d"}}},
			wantErr: "dependency 'd' is already defined",
		},
		{
			name: "cycle",
			model: &Model{Stages: []*Stage{
				{Name: "a", Uses: "echo", DependsOn: []string{"b"}},
				{Name: "b", Uses: "echo", DependsOn: []string{"a"}},
			}},
			check: func(t *testing.T, err error) {
				var ge *graph.GraphError
				require.True(t, errors.As(err, &ge))
				assert.Equal(t, graph.Cycle, ge.Kind)
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile(context.Background(), tc.model, newRegistry(), nil)
			require.Error(t, err)
			if tc.wantErr != "" {
				assert.Contains(t, err.Error(), tc.wantErr)
			}
			if tc.check != nil {
				tc.check(t, err)
			}
		})
	}
}

func TestModel_Merge(t *testing.T) {
	t.Parallel()
	m := NewModel()

	require.NoError(t, m.Merge(&Model{Workflow: &Workflow{Workers: 2, Source: "a.hcl:1"}, Stages: []*Stage{{Name: "a"}}}))
	require.NoError(t, m.Merge(&Model{Cache: &Cache{TTL: time.Second}, Stages: []*Stage{{Name: "b"}}}))
	require.NoError(t, m.Merge(nil))

	assert.Len(t, m.Stages, 2)
	assert.Equal(t, 2, m.Workflow.Workers)
	err := m.Merge(&Model{Workflow: &Workflow{Source: "b.hcl:4"}})
	assert.EqualError(t, err, "workflow block declared twice: a.hcl:1 and b.hcl:4")
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "1m30s", want: 90 * time.Second},
		{in: "soon", wantErr: true},
		{in: "-1s", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := ParseDuration("timeout", tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
