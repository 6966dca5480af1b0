package graphql_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gateway/internal/graphql"
)

func newHTTPServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()

	subs, err := graphql.NewSubscriptionHandler(f.executor, f.registry, zap.NewNop(), graphql.SubscriptionConfig{})
	require.NoError(t, err)
	h, err := graphql.NewHandler(f.executor, subs, f.registry, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, contentType, body string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Post(srv.URL, contentType, strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHandlerPost(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)

	body, err := json.Marshal(graphql.Request{
		Query:     `mutation Add($task: String!) { createItem(task: $task) { task } }`,
		Variables: map[string]any{"task": "buy milk"},
	})
	require.NoError(t, err)

	code, out := post(t, srv, "application/json", string(body))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"data": map[string]any{"createItem": map[string]any{"task": "buy milk"}}}, out)

	code, out = post(t, srv, "application/graphql", `{ me { username } }`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"data": map[string]any{"me": map[string]any{"username": "coder12"}}}, out)

	expected := `
# HELP gateway_transport_requests_total Total number of GraphQL requests
# TYPE gateway_transport_requests_total counter
gateway_transport_requests_total{operation_type="mutation",status="success",transport="http"} 1
gateway_transport_requests_total{operation_type="query",status="success",transport="http"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.registry.Gatherer(), strings.NewReader(expected), "gateway_transport_requests_total"))
}

func TestHandlerGet(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)

	q := url.Values{"query": {`query($u: ID!) { settings(user: $u) { theme } }`}, "variables": {`{"u":"9"}`}}
	resp, err := http.Get(srv.URL + "?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, map[string]any{"data": map[string]any{"settings": map[string]any{"theme": "light"}}}, out)
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)

	t.Run("mutation over GET", func(t *testing.T) {
		q := url.Values{"query": {`mutation { createItem(task: "x") { task } }`}}
		resp, err := http.Get(srv.URL + "?" + q.Encode())
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("method", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, srv.URL, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		code, out := post(t, srv, "application/json", `{"query":`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.NotEmpty(t, out["errors"])
	})

	t.Run("validation", func(t *testing.T) {
		code, out := post(t, srv, "application/json", `{"query":"{ nope }"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		errs, ok := out["errors"].([]any)
		require.True(t, ok)
		require.Len(t, errs, 1)
		ext := errs[0].(map[string]any)["extensions"].(map[string]any)
		assert.Equal(t, graphql.CodeValidationFailed, ext["code"])
	})

	t.Run("subscription over HTTP", func(t *testing.T) {
		code, _ := post(t, srv, "application/json", `{"query":"subscription { newItem { task } }"}`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("field error", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(graphql.Request{Query: `{ me { error } }`}))
		code, out := post(t, srv, "application/json", buf.String())
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, out, "data")
		assert.Nil(t, out["data"])

		errs := out["errors"].([]any)
		require.Len(t, errs, 1)
		first := errs[0].(map[string]any)
		assert.Equal(t, "wrong fields", first["message"])
		assert.Equal(t, []any{"me", "error"}, first["path"])
		assert.Equal(t, "BAD_USER_INPUT", first["extensions"].(map[string]any)["code"])
	})
}
