package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvServer fakes the KV v2 endpoints used by VaultBackend.
type kvServer struct {
	mu     sync.Mutex
	stored map[string]map[string]any
}

func (s *kvServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	w.Header().Set("Content-Type", "application/json")

	notFound := func() {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}

	switch {
	case path == "sys/health":
		_ = json.NewEncoder(w).Encode(map[string]any{"initialized": true, "sealed": false, "standby": false})
	case r.Method == http.MethodGet && r.URL.Query().Get("list") == "true":
		prefix := strings.Replace(path, "/metadata/", "/data/", 1) + "/"
		seen := map[string]bool{}
		var keys []string
		for p := range s.stored {
			rest, ok := strings.CutPrefix(p, prefix)
			if !ok {
				continue
			}
			if dir, _, nested := strings.Cut(rest, "/"); nested {
				rest = dir + "/"
			}
			if !seen[rest] {
				seen[rest] = true
				keys = append(keys, rest)
			}
		}
		if len(keys) == 0 {
			notFound()
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"keys": keys}})
	case r.Method == http.MethodGet:
		data, ok := s.stored[path]
		if !ok {
			notFound()
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": data}})
	case r.Method == http.MethodPut || r.Method == http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.stored[path] = body.Data
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"version": 1}})
	case r.Method == http.MethodDelete:
		delete(s.stored, strings.Replace(path, "/metadata/", "/data/", 1))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestVaultBackend(t *testing.T) {
	ctx := context.Background()
	kv := &kvServer{stored: map[string]map[string]any{}}
	srv := httptest.NewServer(kv)
	defer srv.Close()

	backend, err := NewVaultBackend(srv.URL, "test-token", "secret/", "/rps/", nil, testLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))

	_, err = backend.Fetch(ctx, "profiles/acm")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	keys, err := backend.List(ctx, "profiles")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, backend.Store(ctx, "profiles/acm", []byte(`{"profileName":"acm"}`)))
	require.NoError(t, backend.Store(ctx, "profiles/ccm", []byte(`{"profileName":"ccm"}`)))
	require.NoError(t, backend.Store(ctx, "profiles/nested/x", []byte(`{}`)))

	kv.mu.Lock()
	assert.Contains(t, kv.stored, "secret/data/rps/profiles/acm")
	kv.mu.Unlock()

	data, err := backend.Fetch(ctx, "profiles/acm")
	require.NoError(t, err)
	assert.JSONEq(t, `{"profileName":"acm"}`, string(data))

	// Folders are not documents
	keys, err = backend.List(ctx, "profiles")
	require.NoError(t, err)
	assert.Equal(t, []string{"acm", "ccm"}, keys)

	require.NoError(t, backend.Delete(ctx, "profiles/acm"))
	assert.ErrorIs(t, backend.Delete(ctx, "profiles/acm"), interfaces.ErrContentNotFound)

	_, err = backend.Fetch(ctx, "../escape")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
