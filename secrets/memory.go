// Package secrets provides interfaces.SecretStore implementations: a
// HashiCorp Vault KV v2 store for deployments and an in-memory store for
// development and tests.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]map[string]string),
	}
}

func normalize(path string) string {
	return strings.Trim(path, "/")
}

func (s *MemoryStore) GetSecret(ctx context.Context, path string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.secrets[normalize(path)]
	if !ok {
		return nil, interfaces.ErrSecretNotFound
	}
	result := make(map[string]string, len(data))
	for k, v := range data {
		result[k] = v
	}
	return result, nil
}

func (s *MemoryStore) GetSecretFromKey(ctx context.Context, path, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[normalize(path)][key]
	if !ok {
		return "", fmt.Errorf("%w: key %s at %s", interfaces.ErrSecretNotFound, key, path)
	}
	return value, nil
}

// ListSecretsAtPath lists direct children of path. Children that have
// entries below them are returned with a trailing slash, like Vault does.
func (s *MemoryStore) ListSecretsAtPath(ctx context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := normalize(path)
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]struct{})
	for key := range s.secrets {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" {
			continue
		}
		if dir, _, nested := strings.Cut(rest, "/"); nested {
			seen[dir+"/"] = struct{}{}
		} else {
			seen[rest] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) WriteSecret(ctx context.Context, path string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(map[string]string, len(data))
	for k, v := range data {
		stored[k] = v
	}
	s.secrets[normalize(path)] = stored
	return nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, normalize(path))
	return nil
}

// Available always reports true.
func (s *MemoryStore) Available(ctx context.Context) bool {
	return true
}
