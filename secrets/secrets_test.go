package secrets

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetSecret(ctx, "devices/abc")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	require.NoError(t, s.WriteSecret(ctx, "devices/abc", map[string]string{"AMT_PASSWORD": "pw"}))
	require.NoError(t, s.WriteSecret(ctx, "/devices/def/", map[string]string{"AMT_PASSWORD": "pw2"}))
	require.NoError(t, s.WriteSecret(ctx, "devices/nested/x", map[string]string{"k": "v"}))

	value, err := s.GetSecretFromKey(ctx, "devices/abc", "AMT_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "pw", value)

	_, err = s.GetSecretFromKey(ctx, "devices/abc", "MISSING")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	names, err := s.ListSecretsAtPath(ctx, "devices")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def", "nested/"}, names)

	// Returned maps are copies
	data, err := s.GetSecret(ctx, "devices/abc")
	require.NoError(t, err)
	data["AMT_PASSWORD"] = "changed"
	value, err = s.GetSecretFromKey(ctx, "devices/abc", "AMT_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "pw", value)

	require.NoError(t, s.DeleteSecret(ctx, "devices/abc"))
	_, err = s.GetSecret(ctx, "devices/abc")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)
	assert.True(t, s.Available(ctx))
}

// fakeVault serves the subset of the KV v2 HTTP API the store uses.
func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	stored := map[string]map[string]any{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		path := strings.TrimPrefix(r.URL.Path, "/v1/")
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("list") == "true":
			prefix := strings.Replace(path, "/metadata/", "/data/", 1) + "/"
			var keys []string
			for p := range stored {
				if rest, ok := strings.CutPrefix(p, prefix); ok {
					keys = append(keys, rest)
				}
			}
			if len(keys) == 0 {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"keys": keys}})
		case r.Method == http.MethodGet:
			data, ok := stored[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": data}})
		case r.Method == http.MethodPut || r.Method == http.MethodPost:
			var body struct {
				Data map[string]any `json:"data"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			stored[path] = body.Data
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"version": 1}})
		case r.Method == http.MethodDelete:
			delete(stored, strings.Replace(path, "/metadata/", "/data/", 1))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func TestVaultStore(t *testing.T) {
	ctx := context.Background()
	srv := fakeVault(t)
	defer srv.Close()

	s, err := NewVaultStore(srv.URL, "test-token", "secret/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = s.GetSecret(ctx, "devices/abc")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	require.NoError(t, s.WriteSecret(ctx, "devices/abc", map[string]string{"AMT_PASSWORD": "pw"}))

	value, err := s.GetSecretFromKey(ctx, "devices/abc", "AMT_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "pw", value)

	names, err := s.ListSecretsAtPath(ctx, "devices")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, names)

	require.NoError(t, s.DeleteSecret(ctx, "devices/abc"))
	_, err = s.GetSecret(ctx, "devices/abc")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	names, err = s.ListSecretsAtPath(ctx, "devices")
	require.NoError(t, err)
	assert.Empty(t, names)
}
