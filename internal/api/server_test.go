package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/runtimetest"
)

func newTestServer(t *testing.T, opts ...Option) (*runtimetest.Framework, *httptest.Server) {
	t.Helper()
	fw := runtimetest.New()
	srv := httptest.NewServer(NewServer(fw, opts...).Handler())
	t.Cleanup(srv.Close)
	return fw, srv
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestInstallStartUninstall(t *testing.T) {
	t.Parallel()
	fw, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/modules?location=testA", runtimetest.Artifact("test.a", "1.0.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info module.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "test.a", info.SymbolicName)

	path := srv.URL + "/v1/modules/" + strconv.FormatInt(info.ID, 10)
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodPost, path+"/start", nil).StatusCode)

	got, err := fw.Module(info.ID)
	require.NoError(t, err)
	assert.Equal(t, module.StateActive, got.State)

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, path, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, path, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, path, nil).StatusCode)
}

func TestInstallErrors(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/modules", runtimetest.Artifact("a", "1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/modules?location=x", []byte("not a zip"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body endpoint.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "invalid artifact")

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/v1/modules/abc", nil).StatusCode)
}

func TestStartLevelAndCapabilities(t *testing.T) {
	t.Parallel()
	fw, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/v1/startlevel", []byte(`{"level":80}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 80, fw.StartLevel())

	resp = do(t, http.MethodGet, srv.URL+"/v1/startlevel", nil)
	var level endpoint.StartLevelBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&level))
	assert.Equal(t, 80, level.Level)

	fw.RegisterCapability("org.example.Ready", 0)
	resp = do(t, http.MethodGet, srv.URL+"/v1/capabilities?name=org.example.Ready", nil)
	var caps []module.Capability
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	assert.Len(t, caps, 1)

	resp = do(t, http.MethodGet, srv.URL+"/v1/capabilities?name=absent", nil)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodPost, srv.URL+"/v1/refresh", nil).StatusCode)
	assert.Equal(t, 1, fw.Calls("refresh"))
}

func TestModuleStartLevel(t *testing.T) {
	t.Parallel()
	fw, srv := newTestServer(t)

	info, err := fw.Install("late", bytes.NewReader(runtimetest.Artifact("late", "1")))
	require.NoError(t, err)
	path := srv.URL + "/v1/modules/" + strconv.FormatInt(info.ID, 10)

	resp := do(t, http.MethodPut, path+"/startlevel", []byte(`{"level":20}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodPost, path+"/start", nil).StatusCode)

	resp = do(t, http.MethodGet, path, nil)
	var got module.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 20, got.StartLevel)
	assert.Equal(t, module.StateResolved, got.State)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, path+"/startlevel", []byte(`{"level":0}`)).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, path+"/startlevel", []byte(`nope`)).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPut, srv.URL+"/v1/modules/999/startlevel", []byte(`{"level":2}`)).StatusCode)
	assert.Equal(t, 2, fw.Calls("set_module_start_level"))
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t, WithBasicAuth("karaf", "karaf"))

	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/v1/health", nil).StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/health", nil)
	require.NoError(t, err)
	req.SetBasicAuth("karaf", "karaf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
