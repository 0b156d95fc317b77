package profiles

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/secrets"
	"github.com/ruteri/amt-remote-provisioning/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, withSecrets bool) (*Manager, *secrets.MemoryStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	if !withSecrets {
		return NewManager(backend, nil, log), nil
	}
	store := secrets.NewMemoryStore()
	return NewManager(backend, store, log), store
}

func testCiraConfig() *interfaces.CIRAConfig {
	return &interfaces.CIRAConfig{
		ConfigName:          "cira1",
		MPSServerAddress:    "mps.vprodemo.com",
		ServerAddressFormat: interfaces.AddressFormatFQDN,
		MPSPort:             4433,
		Username:            "admin",
		Password:            "mps-pass",
		CommonName:          "mps.vprodemo.com",
		AuthMethod:          2,
		MPSRootCertificate:  "AAAA",
	}
}

func TestProfileLifecycle(t *testing.T) {
	for _, withSecrets := range []bool{false, true} {
		t.Run(map[bool]string{false: "inline", true: "secrets"}[withSecrets], func(t *testing.T) {
			ctx := context.Background()
			m, store := newTestManager(t, withSecrets)

			profile := &interfaces.AMTProfile{
				ProfileName:    "acm",
				Activation:     "acmactivate",
				AMTPassword:    "P@ssw0rd",
				CIRAConfigName: "cira1",
			}

			// The referenced CIRA config must exist first
			err := m.CreateProfile(ctx, profile)
			assert.ErrorIs(t, err, ErrInvalidRecord)

			require.NoError(t, m.CreateCiraConfiguration(ctx, testCiraConfig()))
			require.NoError(t, m.CreateProfile(ctx, profile))
			assert.ErrorIs(t, m.CreateProfile(ctx, profile), ErrAlreadyExists)

			got, err := m.GetAmtProfile(ctx, "acm")
			require.NoError(t, err)
			assert.Equal(t, "acmactivate", got.Activation)
			assert.Empty(t, got.AMTPassword)

			password, err := m.GetAmtPassword(ctx, "acm")
			require.NoError(t, err)
			assert.Equal(t, "P@ssw0rd", password)

			if store != nil {
				stored, err := store.GetSecretFromKey(ctx, "profiles/acm", "AMT_PASSWORD")
				require.NoError(t, err)
				assert.Equal(t, "P@ssw0rd", stored)
			}

			config, err := m.GetCiraConfiguration(ctx, "cira1")
			require.NoError(t, err)
			assert.Equal(t, "mps-pass", config.Password)

			configs, err := m.ListCiraConfigurations(ctx)
			require.NoError(t, err)
			require.Len(t, configs, 1)
			assert.Empty(t, configs[0].Password)

			// Referenced config can't be deleted
			assert.ErrorIs(t, m.DeleteCiraConfiguration(ctx, "cira1"), ErrInUse)

			profile.Activation = "ccmactivate"
			profile.CIRAConfigName = ""
			require.NoError(t, m.UpdateProfile(ctx, profile))
			got, err = m.GetAmtProfile(ctx, "acm")
			require.NoError(t, err)
			assert.Equal(t, "ccmactivate", got.Activation)

			profiles, err := m.ListProfiles(ctx)
			require.NoError(t, err)
			require.Len(t, profiles, 1)

			require.NoError(t, m.DeleteCiraConfiguration(ctx, "cira1"))
			require.NoError(t, m.DeleteProfile(ctx, "acm"))
			_, err = m.GetAmtProfile(ctx, "acm")
			assert.ErrorIs(t, err, interfaces.ErrProfileNotFound)
			assert.ErrorIs(t, m.DeleteProfile(ctx, "acm"), interfaces.ErrProfileNotFound)
			assert.ErrorIs(t, m.UpdateProfile(ctx, profile), interfaces.ErrProfileNotFound)
		})
	}
}

func TestDomainLookup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, true)

	require.NoError(t, m.CreateDomain(ctx, &interfaces.Domain{
		ProfileName:              "vprodemo",
		DomainSuffix:             "vprodemo.com",
		ProvisioningCert:         "AAAA",
		ProvisioningCertPassword: "pfx-pass",
	}))
	require.NoError(t, m.CreateDomain(ctx, &interfaces.Domain{
		ProfileName:              "lab",
		DomainSuffix:             "Lab.VProDemo.com.",
		ProvisioningCert:         "BBBB",
		ProvisioningCertPassword: "lab-pass",
	}))

	exists, err := m.DoesDomainExist(ctx, "host.vprodemo.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = m.DoesDomainExist(ctx, "host.example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = m.DoesDomainExist(ctx, "")
	require.NoError(t, err)
	assert.False(t, exists)

	cert, password, err := m.GetProvisioningCert(ctx, "HOST.VPRODEMO.COM")
	require.NoError(t, err)
	assert.Equal(t, "AAAA", cert)
	assert.Equal(t, "pfx-pass", password)

	// The most specific suffix wins
	cert, password, err = m.GetProvisioningCert(ctx, "node1.lab.vprodemo.com")
	require.NoError(t, err)
	assert.Equal(t, "BBBB", cert)
	assert.Equal(t, "lab-pass", password)

	_, _, err = m.GetProvisioningCert(ctx, "host.example.com")
	assert.ErrorIs(t, err, interfaces.ErrProfileNotFound)

	domain, err := m.GetDomain(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, "lab.vprodemo.com", domain.DomainSuffix)
	assert.Empty(t, domain.ProvisioningCert)

	require.NoError(t, m.DeleteDomain(ctx, "lab"))
	domains, err := m.ListDomains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "vprodemo", domains[0].ProfileName)
}

func TestValidation(t *testing.T) {
	valid := testCiraConfig()
	require.NoError(t, ValidateCiraConfig(valid))

	ipv4 := *valid
	ipv4.ServerAddressFormat = interfaces.AddressFormatIPv4
	ipv4.MPSServerAddress = "192.168.1.10"
	assert.NoError(t, ValidateCiraConfig(&ipv4))

	ipv6 := *valid
	ipv6.ServerAddressFormat = interfaces.AddressFormatIPv6
	ipv6.MPSServerAddress = "fd00::10"
	assert.NoError(t, ValidateCiraConfig(&ipv6))

	mismatched := ipv4
	mismatched.MPSServerAddress = "mps.vprodemo.com"
	assert.ErrorIs(t, ValidateCiraConfig(&mismatched), ErrInvalidRecord)

	badFQDN := *valid
	badFQDN.MPSServerAddress = "localhost"
	assert.ErrorIs(t, ValidateCiraConfig(&badFQDN), ErrInvalidRecord)

	badFormat := *valid
	badFormat.ServerAddressFormat = 7
	assert.ErrorIs(t, ValidateCiraConfig(&badFormat), ErrInvalidRecord)

	badPort := *valid
	badPort.MPSPort = 70000
	assert.ErrorIs(t, ValidateCiraConfig(&badPort), ErrInvalidRecord)

	badCert := *valid
	badCert.MPSRootCertificate = "***"
	assert.ErrorIs(t, ValidateCiraConfig(&badCert), ErrInvalidRecord)

	assert.ErrorIs(t, ValidateProfile(&interfaces.AMTProfile{ProfileName: "p", Activation: "nope", AMTPassword: "x"}), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateProfile(&interfaces.AMTProfile{ProfileName: "../p", Activation: "acmactivate", AMTPassword: "x"}), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateProfile(&interfaces.AMTProfile{ProfileName: "p", Activation: "acmactivate"}), ErrInvalidRecord)

	assert.ErrorIs(t, ValidateDomain(&interfaces.Domain{ProfileName: "d", DomainSuffix: "bad domain", ProvisioningCert: "AAAA"}), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateDomain(&interfaces.Domain{ProfileName: "d", DomainSuffix: "vprodemo.com"}), ErrInvalidRecord)
}

func TestMatchesDomain(t *testing.T) {
	assert.True(t, MatchesDomain("host.vprodemo.com", "vprodemo.com"))
	assert.True(t, MatchesDomain("vprodemo.com", "vprodemo.com"))
	assert.True(t, MatchesDomain("Host.VProDemo.com.", "vprodemo.com"))
	assert.False(t, MatchesDomain("host.notvprodemo.com", "vprodemo.com"))
	assert.False(t, MatchesDomain("host.vprodemo.com", ""))
	assert.False(t, MatchesDomain("", "vprodemo.com"))
}
