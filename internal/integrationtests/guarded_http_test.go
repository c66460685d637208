package integrationtests

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specialistvlad/stagegrid/internal/breaker"
	"github.com/specialistvlad/stagegrid/internal/record"
	"github.com/specialistvlad/stagegrid/modules/http_client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func guardedWorkflow(url string) string {
	return fmt.Sprintf(`
workflow {
  workers = 1
}

dependency "crm" {
  circuit_breaker {
    threshold        = 2
    recovery_timeout = "1m"
  }
  pool {
    connector = "http"
    max_size  = 1
  }
}

stage "first" {
  uses       = "http_request"
  dependency = "crm"
  critical   = false
  inputs     = { url = "%[1]s/a" }
}

stage "second" {
  uses       = "http_request"
  dependency = "crm"
  critical   = false
  inputs     = { url = "%[1]s/b" }
}

stage "third" {
  uses       = "http_request"
  dependency = "crm"
  critical   = false
  inputs     = { url = "%[1]s/c" }
}
`, url)
}

// Test for: consecutive failures of a dependency open its breaker and later
// calls fail fast without reaching the service.
func TestGuarded_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	h := newHarness(t, guardedWorkflow(srv.URL), &http_client.Module{})

	// --- Act ---
	snap := h.run(t, cty.EmptyObjectVal)

	// --- Assert ---
	assert.Equal(t, int64(2), hits.Load(), "the open breaker keeps the third call away")
	var open, served int
	for _, s := range snap.Stages {
		require.Equal(t, record.Failed, s.State, s.Name)
		var circuit *breaker.CircuitOpenError
		if errors.As(s.LastError, &circuit) {
			open++
			assert.Equal(t, "crm", circuit.Dependency)
			continue
		}
		assert.True(t, http_client.IsStatus(s.LastError, http.StatusServiceUnavailable), s.Name)
		served++
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 2, served)

	statuses := h.plan.Options.Guards.Statuses(time.Now())
	require.Len(t, statuses, 1)
	assert.Equal(t, "Open", statuses[0].Breaker)
	require.NotNil(t, statuses[0].Pool)
	assert.LessOrEqual(t, statuses[0].Pool.Total, 1)
}

// Test for: a healthy dependency serves every stage through one pooled
// client and passes the response downstream.
func TestGuarded_PooledClientSucceeds(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path": %q}`, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	h := newHarness(t, guardedWorkflow(srv.URL), &http_client.Module{})

	// --- Act ---
	snap := h.run(t, cty.EmptyObjectVal)

	// --- Assert ---
	require.Equal(t, record.RunCompleted, snap.Status)
	third, _ := snap.Stage("third")
	assert.Equal(t, "/c", third.Output.GetAttr("json").GetAttr("path").AsString())

	statuses := h.plan.Options.Guards.Statuses(time.Now())
	require.Len(t, statuses, 1)
	assert.Equal(t, "Closed", statuses[0].Breaker)
	assert.Equal(t, int64(1), statuses[0].Pool.EmptyAcquires, "one client serves every call")
}
