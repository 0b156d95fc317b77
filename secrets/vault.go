package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

// VaultStore implements interfaces.SecretStore on a HashiCorp Vault KV v2 mount.
type VaultStore struct {
	client    *api.Client
	mountPath string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed secret store authenticated with token.
//
// Parameters:
//   - address: Vault server address (e.g. http://vault:8200)
//   - token: Vault token with read/write access to the mount
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - log: Structured logger for operational insights
func NewVaultStore(address, token, mountPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		log:       log,
	}, nil
}

func (s *VaultStore) dataPath(path string) string {
	return fmt.Sprintf("%s/data/%s", s.mountPath, strings.Trim(path, "/"))
}

func (s *VaultStore) metadataPath(path string) string {
	return fmt.Sprintf("%s/metadata/%s", s.mountPath, strings.Trim(path, "/"))
}

// GetSecret reads all keys stored at path.
func (s *VaultStore) GetSecret(ctx context.Context, path string) (map[string]string, error) {
	fullPath := s.dataPath(path)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("path", fullPath), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrSecretNotFound
	}

	// KV v2 nests the stored keys under "data"; deleted versions have it nil
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrSecretNotFound
	}

	result := make(map[string]string, len(data))
	for key, value := range data {
		str, ok := value.(string)
		if !ok {
			s.log.Warn("Ignoring non-string secret value", slog.String("path", fullPath), slog.String("key", key))
			continue
		}
		result[key] = str
	}
	return result, nil
}

// GetSecretFromKey reads a single key stored at path.
func (s *VaultStore) GetSecretFromKey(ctx context.Context, path, key string) (string, error) {
	data, err := s.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s at %s", interfaces.ErrSecretNotFound, key, path)
	}
	return value, nil
}

// ListSecretsAtPath lists the entries below path. Sub-directories keep their trailing slash.
func (s *VaultStore) ListSecretsAtPath(ctx context.Context, path string) ([]string, error) {
	fullPath := s.metadataPath(path)

	secret, err := s.client.Logical().ListWithContext(ctx, fullPath)
	if err != nil {
		s.log.Error("Failed to list Vault path", slog.String("path", fullPath), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, _ := secret.Data["keys"].([]interface{})
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// WriteSecret replaces the keys stored at path.
func (s *VaultStore) WriteSecret(ctx context.Context, path string, data map[string]string) error {
	start := time.Now()
	fullPath := s.dataPath(path)

	values := make(map[string]interface{}, len(data))
	for key, value := range data {
		values[key] = value
	}

	_, err := s.client.Logical().WriteWithContext(ctx, fullPath, map[string]interface{}{
		"data": values,
	})
	if err != nil {
		s.log.Error("Failed to write to Vault", slog.String("path", fullPath), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	s.log.Debug("Stored secret in Vault",
		slog.String("path", fullPath),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// DeleteSecret removes all versions of path.
func (s *VaultStore) DeleteSecret(ctx context.Context, path string) error {
	fullPath := s.metadataPath(path)

	if _, err := s.client.Logical().DeleteWithContext(ctx, fullPath); err != nil {
		s.log.Error("Failed to delete from Vault", slog.String("path", fullPath), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}
