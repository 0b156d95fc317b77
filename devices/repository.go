// Package devices persists the access credentials of provisioned AMT devices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

const (
	devicesPrefix = "devices"

	keyMPSUsername = "MPS_USERNAME"
	keyMPSPassword = "MPS_PASSWORD"
	keyAMTUsername = "AMT_USERNAME"
	keyAMTPassword = "AMT_PASSWORD"
)

// Repository implements interfaces.DeviceRepository on a secret store,
// one secret per device at devices/<guid>.
type Repository struct {
	secrets interfaces.SecretStore
}

// NewRepository creates a device credential repository.
func NewRepository(secrets interfaces.SecretStore) *Repository {
	return &Repository{secrets: secrets}
}

func devicePath(guid string) (string, error) {
	guid = strings.ToLower(strings.TrimSpace(guid))
	if guid == "" || strings.Contains(guid, "/") {
		return "", fmt.Errorf("invalid device guid %q", guid)
	}
	return devicesPrefix + "/" + guid, nil
}

// Get returns the credentials stored for guid, or ErrDeviceNotFound.
func (r *Repository) Get(ctx context.Context, guid string) (*interfaces.DeviceCredentials, error) {
	path, err := devicePath(guid)
	if err != nil {
		return nil, err
	}

	data, err := r.secrets.GetSecret(ctx, path)
	if errors.Is(err, interfaces.ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDeviceNotFound, guid)
	}
	if err != nil {
		return nil, err
	}

	return &interfaces.DeviceCredentials{
		GUID:        strings.TrimPrefix(path, devicesPrefix+"/"),
		MPSUsername: data[keyMPSUsername],
		MPSPassword: data[keyMPSPassword],
		AMTUsername: data[keyAMTUsername],
		AMTPassword: data[keyAMTPassword],
	}, nil
}

// Insert stores creds, replacing any earlier credentials of the device.
func (r *Repository) Insert(ctx context.Context, creds *interfaces.DeviceCredentials) error {
	path, err := devicePath(creds.GUID)
	if err != nil {
		return err
	}

	return r.secrets.WriteSecret(ctx, path, map[string]string{
		keyMPSUsername: creds.MPSUsername,
		keyMPSPassword: creds.MPSPassword,
		keyAMTUsername: creds.AMTUsername,
		keyAMTPassword: creds.AMTPassword,
	})
}

// Delete removes the credentials stored for guid.
func (r *Repository) Delete(ctx context.Context, guid string) error {
	path, err := devicePath(guid)
	if err != nil {
		return err
	}
	return r.secrets.DeleteSecret(ctx, path)
}

// List returns the guids of all devices with stored credentials.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	names, err := r.secrets.ListSecretsAtPath(ctx, devicesPrefix)
	if err != nil {
		return nil, err
	}
	guids := make([]string, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, "/") {
			guids = append(guids, name)
		}
	}
	return guids, nil
}
