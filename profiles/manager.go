// Package profiles stores provisioning profiles, CIRA configurations and
// provisioning domains.
//
// Records are JSON documents in a storage backend. When a secret store is
// configured, passwords and provisioning certificates are kept in it instead
// of in the documents:
//
//	profiles/<name>     AMT_PASSWORD
//	ciraconfigs/<name>  MPS_PASSWORD
//	certs/<name>        CERT, CERT_PASSWORD
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

const (
	profilesPrefix    = "profiles"
	ciraConfigsPrefix = "ciraconfigs"
	domainsPrefix     = "domains"
	certsPrefix       = "certs"

	keyAMTPassword  = "AMT_PASSWORD"
	keyMPSPassword  = "MPS_PASSWORD"
	keyCert         = "CERT"
	keyCertPassword = "CERT_PASSWORD"
)

// Manager implements interfaces.ProfileAdmin and interfaces.DomainCredentialManager.
type Manager struct {
	store   interfaces.StorageBackend
	secrets interfaces.SecretStore
	log     *slog.Logger
}

// NewManager creates a profile manager. secrets may be nil, in which case
// passwords and certificates are stored in the documents themselves.
func NewManager(store interfaces.StorageBackend, secrets interfaces.SecretStore, log *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		secrets: secrets,
		log:     log,
	}
}

func (m *Manager) load(ctx context.Context, prefix, name string, v any) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", interfaces.ErrProfileNotFound, name)
	}
	data, err := m.store.Fetch(ctx, prefix+"/"+name)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("%w: %s/%s", interfaces.ErrProfileNotFound, prefix, name)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt %s/%s document: %w", prefix, name, err)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, prefix, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.store.Store(ctx, prefix+"/"+name, data)
}

func (m *Manager) exists(ctx context.Context, prefix, name string) (bool, error) {
	_, err := m.store.Fetch(ctx, prefix+"/"+name)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) remove(ctx context.Context, prefix, name string) error {
	err := m.store.Delete(ctx, prefix+"/"+name)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("%w: %s/%s", interfaces.ErrProfileNotFound, prefix, name)
	}
	return err
}

// GetAmtProfile returns the named profile without its AMT password.
func (m *Manager) GetAmtProfile(ctx context.Context, profileName string) (*interfaces.AMTProfile, error) {
	var profile interfaces.AMTProfile
	if err := m.load(ctx, profilesPrefix, profileName, &profile); err != nil {
		return nil, err
	}
	profile.AMTPassword = ""
	return &profile, nil
}

// GetAmtPassword returns the AMT admin password configured for a profile.
func (m *Manager) GetAmtPassword(ctx context.Context, profileName string) (string, error) {
	if m.secrets != nil {
		password, err := m.secrets.GetSecretFromKey(ctx, profilesPrefix+"/"+profileName, keyAMTPassword)
		if err != nil {
			return "", fmt.Errorf("failed to read AMT password of profile %s: %w", profileName, err)
		}
		return password, nil
	}

	var profile interfaces.AMTProfile
	if err := m.load(ctx, profilesPrefix, profileName, &profile); err != nil {
		return "", err
	}
	return profile.AMTPassword, nil
}

// GetCiraConfiguration returns the named CIRA configuration including the MPS password.
func (m *Manager) GetCiraConfiguration(ctx context.Context, configName string) (*interfaces.CIRAConfig, error) {
	var config interfaces.CIRAConfig
	if err := m.load(ctx, ciraConfigsPrefix, configName, &config); err != nil {
		return nil, err
	}
	if m.secrets != nil {
		password, err := m.secrets.GetSecretFromKey(ctx, ciraConfigsPrefix+"/"+configName, keyMPSPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to read MPS password of cira config %s: %w", configName, err)
		}
		config.Password = password
	}
	return &config, nil
}

// ListProfiles returns all profiles without their passwords.
func (m *Manager) ListProfiles(ctx context.Context) ([]*interfaces.AMTProfile, error) {
	names, err := m.store.List(ctx, profilesPrefix)
	if err != nil {
		return nil, err
	}
	profiles := make([]*interfaces.AMTProfile, 0, len(names))
	for _, name := range names {
		profile, err := m.GetAmtProfile(ctx, name)
		if err != nil {
			m.log.Warn("Skipping unreadable profile", slog.String("profile", name), "err", err)
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// CreateProfile stores a new profile. The referenced CIRA config, if any, must exist.
func (m *Manager) CreateProfile(ctx context.Context, profile *interfaces.AMTProfile) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	exists, err := m.exists(ctx, profilesPrefix, profile.ProfileName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: profile %s", ErrAlreadyExists, profile.ProfileName)
	}
	return m.putProfile(ctx, profile)
}

// UpdateProfile replaces an existing profile.
func (m *Manager) UpdateProfile(ctx context.Context, profile *interfaces.AMTProfile) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	exists, err := m.exists(ctx, profilesPrefix, profile.ProfileName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: profile %s", interfaces.ErrProfileNotFound, profile.ProfileName)
	}
	return m.putProfile(ctx, profile)
}

func (m *Manager) putProfile(ctx context.Context, profile *interfaces.AMTProfile) error {
	if profile.CIRAConfigName != "" {
		exists, err := m.exists(ctx, ciraConfigsPrefix, profile.CIRAConfigName)
		if err != nil {
			return err
		}
		if !exists {
			return invalid("cira config %s does not exist", profile.CIRAConfigName)
		}
	}

	doc := *profile
	if m.secrets != nil {
		err := m.secrets.WriteSecret(ctx, profilesPrefix+"/"+profile.ProfileName, map[string]string{
			keyAMTPassword: profile.AMTPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to store AMT password: %w", err)
		}
		doc.AMTPassword = ""
	}
	return m.save(ctx, profilesPrefix, profile.ProfileName, &doc)
}

// DeleteProfile removes a profile and its stored password.
func (m *Manager) DeleteProfile(ctx context.Context, profileName string) error {
	if err := m.remove(ctx, profilesPrefix, profileName); err != nil {
		return err
	}
	if m.secrets != nil {
		if err := m.secrets.DeleteSecret(ctx, profilesPrefix+"/"+profileName); err != nil {
			m.log.Warn("Failed to delete profile password", slog.String("profile", profileName), "err", err)
		}
	}
	return nil
}

// ListCiraConfigurations returns all CIRA configurations without MPS passwords.
func (m *Manager) ListCiraConfigurations(ctx context.Context) ([]*interfaces.CIRAConfig, error) {
	names, err := m.store.List(ctx, ciraConfigsPrefix)
	if err != nil {
		return nil, err
	}
	configs := make([]*interfaces.CIRAConfig, 0, len(names))
	for _, name := range names {
		var config interfaces.CIRAConfig
		if err := m.load(ctx, ciraConfigsPrefix, name, &config); err != nil {
			m.log.Warn("Skipping unreadable cira config", slog.String("config", name), "err", err)
			continue
		}
		config.Password = ""
		configs = append(configs, &config)
	}
	return configs, nil
}

// CreateCiraConfiguration stores a new CIRA configuration.
func (m *Manager) CreateCiraConfiguration(ctx context.Context, config *interfaces.CIRAConfig) error {
	if err := ValidateCiraConfig(config); err != nil {
		return err
	}
	exists, err := m.exists(ctx, ciraConfigsPrefix, config.ConfigName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: cira config %s", ErrAlreadyExists, config.ConfigName)
	}
	return m.putCiraConfig(ctx, config)
}

// UpdateCiraConfiguration replaces an existing CIRA configuration.
func (m *Manager) UpdateCiraConfiguration(ctx context.Context, config *interfaces.CIRAConfig) error {
	if err := ValidateCiraConfig(config); err != nil {
		return err
	}
	exists, err := m.exists(ctx, ciraConfigsPrefix, config.ConfigName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: cira config %s", interfaces.ErrProfileNotFound, config.ConfigName)
	}
	return m.putCiraConfig(ctx, config)
}

func (m *Manager) putCiraConfig(ctx context.Context, config *interfaces.CIRAConfig) error {
	doc := *config
	if m.secrets != nil {
		err := m.secrets.WriteSecret(ctx, ciraConfigsPrefix+"/"+config.ConfigName, map[string]string{
			keyMPSPassword: config.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to store MPS password: %w", err)
		}
		doc.Password = ""
	}
	return m.save(ctx, ciraConfigsPrefix, config.ConfigName, &doc)
}

// DeleteCiraConfiguration removes a CIRA configuration no profile refers to.
func (m *Manager) DeleteCiraConfiguration(ctx context.Context, configName string) error {
	profiles, err := m.ListProfiles(ctx)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		if profile.CIRAConfigName == configName {
			return fmt.Errorf("%w: cira config %s is used by profile %s", ErrInUse, configName, profile.ProfileName)
		}
	}

	if err := m.remove(ctx, ciraConfigsPrefix, configName); err != nil {
		return err
	}
	if m.secrets != nil {
		if err := m.secrets.DeleteSecret(ctx, ciraConfigsPrefix+"/"+configName); err != nil {
			m.log.Warn("Failed to delete MPS password", slog.String("config", configName), "err", err)
		}
	}
	return nil
}

// GetDomain returns a domain without its certificate and password.
func (m *Manager) GetDomain(ctx context.Context, name string) (*interfaces.Domain, error) {
	var domain interfaces.Domain
	if err := m.load(ctx, domainsPrefix, name, &domain); err != nil {
		return nil, err
	}
	domain.ProvisioningCert = ""
	domain.ProvisioningCertPassword = ""
	return &domain, nil
}

// ListDomains returns all domains without certificates and passwords.
func (m *Manager) ListDomains(ctx context.Context) ([]*interfaces.Domain, error) {
	names, err := m.store.List(ctx, domainsPrefix)
	if err != nil {
		return nil, err
	}
	domains := make([]*interfaces.Domain, 0, len(names))
	for _, name := range names {
		domain, err := m.GetDomain(ctx, name)
		if err != nil {
			m.log.Warn("Skipping unreadable domain", slog.String("domain", name), "err", err)
			continue
		}
		domains = append(domains, domain)
	}
	return domains, nil
}

// CreateDomain stores a new provisioning domain.
func (m *Manager) CreateDomain(ctx context.Context, domain *interfaces.Domain) error {
	if err := ValidateDomain(domain); err != nil {
		return err
	}
	exists, err := m.exists(ctx, domainsPrefix, domain.ProfileName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: domain %s", ErrAlreadyExists, domain.ProfileName)
	}
	return m.putDomain(ctx, domain)
}

// UpdateDomain replaces an existing provisioning domain.
func (m *Manager) UpdateDomain(ctx context.Context, domain *interfaces.Domain) error {
	if err := ValidateDomain(domain); err != nil {
		return err
	}
	exists, err := m.exists(ctx, domainsPrefix, domain.ProfileName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: domain %s", interfaces.ErrProfileNotFound, domain.ProfileName)
	}
	return m.putDomain(ctx, domain)
}

func (m *Manager) putDomain(ctx context.Context, domain *interfaces.Domain) error {
	doc := *domain
	doc.DomainSuffix = strings.ToLower(strings.TrimSuffix(domain.DomainSuffix, "."))
	if m.secrets != nil {
		err := m.secrets.WriteSecret(ctx, certsPrefix+"/"+domain.ProfileName, map[string]string{
			keyCert:         domain.ProvisioningCert,
			keyCertPassword: domain.ProvisioningCertPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to store provisioning certificate: %w", err)
		}
		doc.ProvisioningCert = ""
		doc.ProvisioningCertPassword = ""
	}
	return m.save(ctx, domainsPrefix, domain.ProfileName, &doc)
}

// DeleteDomain removes a domain and its stored certificate.
func (m *Manager) DeleteDomain(ctx context.Context, name string) error {
	if err := m.remove(ctx, domainsPrefix, name); err != nil {
		return err
	}
	if m.secrets != nil {
		if err := m.secrets.DeleteSecret(ctx, certsPrefix+"/"+name); err != nil {
			m.log.Warn("Failed to delete provisioning certificate", slog.String("domain", name), "err", err)
		}
	}
	return nil
}

// findDomain returns the stored domain with the longest suffix matching fqdn.
func (m *Manager) findDomain(ctx context.Context, fqdn string) (*interfaces.Domain, error) {
	names, err := m.store.List(ctx, domainsPrefix)
	if err != nil {
		return nil, err
	}

	var best *interfaces.Domain
	for _, name := range names {
		var domain interfaces.Domain
		if err := m.load(ctx, domainsPrefix, name, &domain); err != nil {
			m.log.Warn("Skipping unreadable domain", slog.String("domain", name), "err", err)
			continue
		}
		if !MatchesDomain(fqdn, domain.DomainSuffix) {
			continue
		}
		if best == nil || len(domain.DomainSuffix) > len(best.DomainSuffix) {
			d := domain
			best = &d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no domain matches %s", interfaces.ErrProfileNotFound, fqdn)
	}
	return best, nil
}

// DoesDomainExist reports whether a configured domain suffix matches fqdn.
func (m *Manager) DoesDomainExist(ctx context.Context, fqdn string) (bool, error) {
	if fqdn == "" {
		return false, nil
	}
	_, err := m.findDomain(ctx, fqdn)
	if errors.Is(err, interfaces.ErrProfileNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetProvisioningCert returns the base64 PFX and password of the domain matching fqdn.
func (m *Manager) GetProvisioningCert(ctx context.Context, fqdn string) (string, string, error) {
	domain, err := m.findDomain(ctx, fqdn)
	if err != nil {
		return "", "", err
	}
	if m.secrets == nil {
		return domain.ProvisioningCert, domain.ProvisioningCertPassword, nil
	}

	data, err := m.secrets.GetSecret(ctx, certsPrefix+"/"+domain.ProfileName)
	if err != nil {
		return "", "", fmt.Errorf("failed to read provisioning certificate of domain %s: %w", domain.ProfileName, err)
	}
	return data[keyCert], data[keyCertPassword], nil
}
