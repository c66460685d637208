package sleep

import (
	"context"
	"testing"
	"time"

	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func req(d string) *stage.Request {
	return &stage.Request{Stage: "nap", Inputs: cty.ObjectVal(map[string]cty.Value{"duration": cty.StringVal(d)})}
}

func TestSleep_Completes(t *testing.T) {
	t.Parallel()
	start := time.Now()

	out, err := sleep(context.Background(), req("20ms"))

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, cty.String, out.GetAttr("slept").Type())
}

func TestSleep_HonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sleep(ctx, req("10s"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSleep_InvalidDuration(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"soon", "-1s"} {
		_, err := sleep(context.Background(), req(d))
		require.Error(t, err, d)
		assert.False(t, stage.Retryable(err), d)
	}
}
