package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/internal/metrics"
	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/internal/rpc"
	"github.com/ChuLiYu/jobrelay/internal/store/memory"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	m := metrics.NewCollector(prometheus.NewRegistry())
	st := memory.New()
	coord := coordinator.New(st, registry.New(), coordinator.WithMetrics(m))
	srv := httptest.NewServer(New(coord, m.Handler(), nil).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) rpc.Response {
	t.Helper()
	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	var out ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Error
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/jobs", `{"definition":{"task":"collect-logs"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJob(t, resp)
	assert.Equal(t, types.StateCreated, created.Job.State)
	assert.JSONEq(t, `{"task":"collect-logs"}`, string(created.Job.Definition))
	id := string(created.Job.ID)

	resp = do(t, http.MethodPut, srv.URL+"/v1/jobs/"+id+"/scope", `{"device_scope":"site-west/floor-3"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "site-west/floor-3", decodeJob(t, resp).Job.Scope())

	resp = do(t, http.MethodGet, srv.URL+"/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(2), decodeJob(t, resp).Job.Revision)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StateDeleted, decodeJob(t, resp).Job.State)

	resp = do(t, http.MethodPut, srv.URL+"/v1/jobs/"+id+"/scope", `{"device_scope":"floor-4"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", decodeError(t, resp).Code)
}

func TestCreateWithEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/v1/jobs", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, decodeJob(t, resp).Job.Definition)
}

func TestHTTPErrors(t *testing.T) {
	srv, st := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown job", http.MethodGet, "/v1/jobs/missing", "", http.StatusNotFound, "NOT_FOUND"},
		{"delete unknown", http.MethodDelete, "/v1/jobs/missing", "", http.StatusNotFound, "NOT_FOUND"},
		{"malformed body", http.MethodPost, "/v1/jobs", `{"definition":`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", http.MethodPost, "/v1/jobs", `{"defn":{}}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"no route", http.MethodGet, "/v2/jobs", "", http.StatusNotFound, "NOT_FOUND"},
		{"wrong method", http.MethodPatch, "/v1/jobs/abc", "", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Code)
		})
	}

	t.Run("empty scope", func(t *testing.T) {
		resp := do(t, http.MethodPost, srv.URL+"/v1/jobs", "")
		id := string(decodeJob(t, resp).Job.ID)
		resp = do(t, http.MethodPut, srv.URL+"/v1/jobs/"+id+"/scope", `{"device_scope":""}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("storage failure", func(t *testing.T) {
		st.FailNext(1)
		resp := do(t, http.MethodPost, srv.URL+"/v1/jobs", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "STORAGE_FAILURE", decodeError(t, resp).Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	do(t, http.MethodPost, srv.URL+"/v1/jobs", "")

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `jobrelay_operations_total{op="create",result="ok"} 1`)
}

func TestMetricsRouteOptional(t *testing.T) {
	coord := coordinator.New(memory.New(), registry.New())
	h := New(coord, nil, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
