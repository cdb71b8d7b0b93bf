package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetfs/pkg/api"
)

func serve(t *testing.T, s *Server, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test"}
	rr := serve(t, srv, http.MethodGet, "/v0/heartbeat", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
}

func TestCapacity(t *testing.T) {
	root := t.TempDir()
	srv := &Server{Version: "test", Root: root}
	rr := serve(t, srv, http.MethodGet, "/v0/capacity", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp api.CapacityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, root, resp.Root)
	assert.True(t, resp.Exists)
	assert.True(t, resp.Writable)
	assert.Positive(t, resp.FreeBytes)
	_, err := os.Stat(filepath.Join(root, ".health_check"))
	assert.True(t, os.IsNotExist(err))
}

func TestCapacityMissingRoot(t *testing.T) {
	srv := &Server{Root: filepath.Join(t.TempDir(), "gone")}
	rr := serve(t, srv, http.MethodGet, "/v0/capacity", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.CapacityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Exists)
	assert.False(t, resp.Writable)
}

func TestCapacityRequiresToken(t *testing.T) {
	srv := &Server{Root: t.TempDir(), Token: "s3cret"}
	assert.Equal(t, http.StatusUnauthorized, serve(t, srv, http.MethodGet, "/v0/capacity", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v0/capacity",
		map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v0/capacity",
		map[string]string{"X-Auth-Token": "s3cret"}).Code)
	// Heartbeat stays open for liveness checks.
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v0/heartbeat", nil).Code)
}

func TestMetricsCountRequests(t *testing.T) {
	srv := &Server{Root: t.TempDir(), Token: "x"}
	h := srv.Handler()
	for _, p := range []string{"/v0/heartbeat", "/v0/capacity"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `fleetfs_agent_requests_total{code="200",endpoint="heartbeat"} 1`)
	assert.Contains(t, rr.Body.String(), `fleetfs_agent_requests_total{code="401",endpoint="capacity"} 1`)
}

func TestMTLSMiddlewareRejectsPlainRequests(t *testing.T) {
	h := MTLSMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/capacity", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	open := MTLSMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	rr = httptest.NewRecorder()
	open.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/capacity", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestConfigureTLSNeedsCert(t *testing.T) {
	_, err := (&Server{}).ConfigureTLS(MTLSConfig{})
	assert.Error(t, err)
}
