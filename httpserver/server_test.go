package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresDeviceHandler(t *testing.T) {
	_, err := New(&HTTPServerConfig{Log: testLogger()}, nil, nil, nil)
	require.Error(t, err)
}

func TestHealthAndDrain(t *testing.T) {
	devices, _, _, _ := newDeviceTestServer(t)

	cfg := &HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger(),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}
	srv, err := New(cfg, nil, devices, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultWebsocketPath, cfg.WebsocketPath)

	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	// A plain GET is not a websocket handshake
	code, _ = get(DefaultWebsocketPath)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/drain")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"draining"}`, body)

	code, body = get("/drain")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"already draining"}`, body)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	// New device connections are refused while draining
	code, _ = get(DefaultWebsocketPath)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = get("/undrain")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestAdminAPINotMountedWithoutHandler(t *testing.T) {
	devices, _, _, _ := newDeviceTestServer(t)
	srv, err := New(&HTTPServerConfig{Log: testLogger()}, nil, devices, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/admin/profiles/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
