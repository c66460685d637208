package env_vars

import (
	"context"
	"testing"

	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestEnvVars(t *testing.T) {
	t.Parallel()
	environ := func() []string {
		return []string{"APP_HOST=localhost", "APP_PORT=8080", "HOME=/root", "APP_=skip", "broken"}
	}
	testCases := []struct {
		name   string
		inputs cty.Value
		want   map[string]string
	}{
		{
			name:   "everything",
			inputs: cty.EmptyObjectVal,
			want:   map[string]string{"APP_HOST": "localhost", "APP_PORT": "8080", "HOME": "/root", "APP_": "skip"},
		},
		{
			name:   "prefix is stripped",
			inputs: cty.ObjectVal(map[string]cty.Value{"prefix": cty.StringVal("APP_")}),
			want:   map[string]string{"HOST": "localhost", "PORT": "8080"},
		},
		{
			name:   "no match",
			inputs: cty.ObjectVal(map[string]cty.Value{"prefix": cty.StringVal("NOPE_")}),
			want:   map[string]string{},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			r := registry.New()
			r.Load(&Module{Environ: environ})
			b, ok := r.Binding("env_vars")
			require.True(t, ok)

			// --- Act ---
			out, err := b.Compute(context.Background(), &stage.Request{Stage: "env", Inputs: tc.inputs})

			// --- Assert ---
			require.NoError(t, err)
			got := map[string]string{}
			for k, v := range out.GetAttr("all").AsValueMap() {
				got[k] = v.AsString()
			}
			assert.Equal(t, tc.want, got)
		})
	}
}
