package http_client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func request(conn any, inputs map[string]cty.Value) *stage.Request {
	return &stage.Request{Stage: "call", Attempt: 1, Inputs: cty.ObjectVal(inputs), Conn: conn}
}

func TestModule_Register(t *testing.T) {
	t.Parallel()
	r := registry.New()
	r.Load(&Module{})

	_, ok := r.Binding("http_request")
	assert.True(t, ok)
	_, ok = r.Connector(ConnectorKind)
	assert.True(t, ok)
}

func TestConnector_ConnectAndClose(t *testing.T) {
	t.Parallel()
	c := &Connector{MaxIdleConns: 3}

	conn, err := c.Connect(context.Background())
	require.NoError(t, err)
	client, ok := conn.(*http.Client)
	require.True(t, ok)
	assert.Equal(t, defaultTimeout, client.Timeout)
	assert.Equal(t, 3, client.Transport.(*http.Transport).MaxIdleConnsPerHost)
	c.Close(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoRequest_Success(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var gotMethod, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7, "tags": ["a"]}`))
	}))
	t.Cleanup(srv.Close)
	conn, err := (&Connector{}).Connect(context.Background())
	require.NoError(t, err)

	// --- Act ---
	out, err := doRequest(context.Background(), request(conn, map[string]cty.Value{
		"url":     cty.StringVal(srv.URL),
		"method":  cty.StringVal("post"),
		"headers": cty.ObjectVal(map[string]cty.Value{"X-Token": cty.StringVal("secret")}),
		"body":    cty.StringVal("hello"),
	}))

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "secret", gotHeader)
	assert.True(t, out.GetAttr("status_code").RawEquals(cty.NumberIntVal(200)))
	assert.Equal(t, `{"id": 7, "tags": ["a"]}`, out.GetAttr("body").AsString())
	assert.Equal(t, "application/json", out.GetAttr("headers").Index(cty.StringVal("content-type")).AsString())
	assert.True(t, out.GetAttr("json").GetAttr("id").RawEquals(cty.NumberIntVal(7)))
}

func TestDoRequest_StatusErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error retries", status: http.StatusServiceUnavailable, retryable: true},
		{name: "client error is permanent", status: http.StatusNotFound, retryable: false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			_, err := doRequest(context.Background(), request(nil, map[string]cty.Value{
				"url": cty.StringVal(srv.URL),
			}))

			require.Error(t, err)
			assert.True(t, IsStatus(err, tc.status))
			assert.Equal(t, tc.retryable, stage.Retryable(err))
		})
	}
}

func TestDoRequest_TransportErrorMarksUnhealthy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	req := request(&http.Client{}, map[string]cty.Value{"url": cty.StringVal(url)})
	_, err := doRequest(context.Background(), req)

	require.Error(t, err)
	assert.True(t, stage.Retryable(err))
	assert.True(t, req.Unhealthy())
}

func TestDoRequest_InvalidInput(t *testing.T) {
	t.Parallel()

	_, err := doRequest(context.Background(), request(nil, map[string]cty.Value{
		"method": cty.StringVal("GET"),
	}))
	require.Error(t, err)
	assert.False(t, stage.Retryable(err))

	_, err = doRequest(context.Background(), request("not a client", map[string]cty.Value{
		"url": cty.StringVal("http://example.invalid"),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "*http.Client")
	assert.False(t, stage.Retryable(err))
}
