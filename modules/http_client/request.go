package http_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// maxBody caps how much of a response body is read into the stage output.
const maxBody = 4 << 20

// Input is the http_request binding's inputs.
type Input struct {
	URL     string            `input:"url,required"`
	Method  string            `input:"method"`
	Headers map[string]string `input:"headers"`
	Body    string            `input:"body"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %s", e.Method, e.URL, e.Status)
}

// doRequest performs one request. Server errors are retryable, client
// errors are permanent, and a transport failure marks the pooled client as
// unhealthy.
func doRequest(ctx context.Context, req *stage.Request) (cty.Value, error) {
	in := Input{Method: http.MethodGet}
	if err := req.Decode(&in); err != nil {
		return cty.NilVal, err
	}
	in.Method = strings.ToUpper(in.Method)

	client, err := clientFrom(req.Conn)
	if err != nil {
		return cty.NilVal, stage.Permanent(err)
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, in.Method, in.URL, body)
	if err != nil {
		return cty.NilVal, stage.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	for k, v := range in.Headers {
		httpReq.Header.Set(k, v)
	}

	logger := ctxlog.FromContext(ctx).With("method", in.Method, "url", in.URL)
	logger.Debug("Making HTTP request.")

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			req.MarkUnhealthy()
		}
		return cty.NilVal, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		req.MarkUnhealthy()
		return cty.NilVal, fmt.Errorf("failed to read response body: %w", err)
	}
	logger.Debug("Received HTTP response.", "status", resp.Status, "bytes", len(raw))

	statusErr := &StatusError{Method: in.Method, URL: in.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	switch {
	case resp.StatusCode >= 500:
		return cty.NilVal, statusErr
	case resp.StatusCode >= 400:
		return cty.NilVal, stage.Permanent(statusErr)
	}

	return cty.ObjectVal(map[string]cty.Value{
		"status_code": cty.NumberIntVal(int64(resp.StatusCode)),
		"body":        cty.StringVal(string(raw)),
		"headers":     headerValue(resp.Header),
		"json":        jsonValue(resp.Header.Get("Content-Type"), raw),
	}), nil
}

// IsStatus reports whether err carries an HTTP status code equal to code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func headerValue(h http.Header) cty.Value {
	if len(h) == 0 {
		return cty.MapValEmpty(cty.String)
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]cty.Value, len(keys))
	for _, k := range keys {
		out[strings.ToLower(k)] = cty.StringVal(strings.Join(h.Values(k), ", "))
	}
	return cty.MapVal(out)
}

// jsonValue decodes JSON bodies so downstream stages can traverse them. Any
// other body, or one that fails to parse, yields null.
func jsonValue(contentType string, raw []byte) cty.Value {
	null := cty.NullVal(cty.DynamicPseudoType)
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || (mt != "application/json" && !strings.HasSuffix(mt, "+json")) {
		return null
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return null
	}
	v, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return null
	}
	return v
}
