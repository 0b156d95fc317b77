package interfaces

import (
	"context"
)

// WorkflowExecutor drives one workflow kind. Step consumes one device message
// for the session identified by connID and never returns a raw error: every
// failure becomes a terminal Outcome.
type WorkflowExecutor interface {
	Step(ctx context.Context, msg *ClientMessage, connID string) Outcome
}

// MessageParser decodes raw device messages.
type MessageParser interface {
	Parse(raw []byte) (*ClientMessage, error)
}

// ProfileManager resolves stored provisioning profiles for the workflows.
type ProfileManager interface {
	GetAmtProfile(ctx context.Context, profileName string) (*AMTProfile, error)
	GetCiraConfiguration(ctx context.Context, configName string) (*CIRAConfig, error)
	GetAmtPassword(ctx context.Context, profileName string) (string, error)
}

// ProfileAdmin manages stored profiles, CIRA configs and domains.
type ProfileAdmin interface {
	ProfileManager

	ListProfiles(ctx context.Context) ([]*AMTProfile, error)
	CreateProfile(ctx context.Context, profile *AMTProfile) error
	UpdateProfile(ctx context.Context, profile *AMTProfile) error
	DeleteProfile(ctx context.Context, profileName string) error

	ListCiraConfigurations(ctx context.Context) ([]*CIRAConfig, error)
	CreateCiraConfiguration(ctx context.Context, config *CIRAConfig) error
	UpdateCiraConfiguration(ctx context.Context, config *CIRAConfig) error
	DeleteCiraConfiguration(ctx context.Context, configName string) error

	GetDomain(ctx context.Context, name string) (*Domain, error)
	ListDomains(ctx context.Context) ([]*Domain, error)
	CreateDomain(ctx context.Context, domain *Domain) error
	UpdateDomain(ctx context.Context, domain *Domain) error
	DeleteDomain(ctx context.Context, name string) error
}

// DomainCredentialManager resolves the provisioning certificate for a device FQDN.
type DomainCredentialManager interface {
	// DoesDomainExist reports whether a domain matching the FQDN's suffix is configured.
	DoesDomainExist(ctx context.Context, fqdn string) (bool, error)

	// GetProvisioningCert returns the base64 PFX and its password for the FQDN's domain.
	// Returns ErrProfileNotFound if no domain matches.
	GetProvisioningCert(ctx context.Context, fqdn string) (pfxBase64 string, password string, err error)
}

// DeviceRepository persists AMT device access credentials.
type DeviceRepository interface {
	// Get returns ErrDeviceNotFound if no credentials are stored for guid.
	Get(ctx context.Context, guid string) (*DeviceCredentials, error)
	Insert(ctx context.Context, creds *DeviceCredentials) error
	Delete(ctx context.Context, guid string) error
}

// SecretStore is a key/value secrets store addressed by path.
type SecretStore interface {
	// GetSecret returns all keys stored at path, or ErrSecretNotFound.
	GetSecret(ctx context.Context, path string) (map[string]string, error)

	// GetSecretFromKey returns a single key stored at path, or ErrSecretNotFound.
	GetSecretFromKey(ctx context.Context, path, key string) (string, error)

	// ListSecretsAtPath returns the names stored under path.
	ListSecretsAtPath(ctx context.Context, path string) ([]string, error)

	// WriteSecret replaces the data stored at path.
	WriteSecret(ctx context.Context, path string, data map[string]string) error

	// DeleteSecret permanently removes path.
	DeleteSecret(ctx context.Context, path string) error
}

// StorageBackend stores JSON documents by key.
type StorageBackend interface {
	// Fetch returns ErrContentNotFound if key does not exist.
	Fetch(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error

	// List returns the keys below prefix, without the prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory interface {
	StorageBackendFor(locationURI string) (StorageBackend, error)
	CreateMultiBackend(locationURIs []string) (StorageBackend, error)
}
