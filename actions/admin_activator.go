package actions

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/cryptoutils"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// Host based setup service methods.
const (
	methodAddNextCertInChain = "AddNextCertInChain"
	methodAdminSetup         = "AdminSetup"
	methodSetup              = "Setup"
)

// Fixed AdminSetup parameters: HTTP digest MD5 password hash and RSA SHA-256 signature.
const (
	netAdminPassEncryptionType = 2
	signingAlgorithm           = 2
)

// PfxConverter decodes a base64 PKCS#12 archive into a provisioning certificate.
type PfxConverter func(pfxBase64, password string) (*cryptoutils.ProvisioningCert, error)

// AdminActivator activates devices into admin control mode.
//
// After the device reports its digest realm and configuration nonce, the
// provisioning certificate chain trusted by the device is uploaded one
// certificate per round trip, leaf first. AdminSetup then sets the AMT
// password and proves provisioning authority with a signature over the
// device nonce followed by a fresh console nonce.
type AdminActivator struct {
	store      *session.Store
	client     interfaces.ProtocolClient
	profiles   interfaces.ProfileManager
	domains    interfaces.DomainCredentialManager
	devices    interfaces.DeviceRepository
	mps        MPSCredentials
	convertPfx PfxConverter
	formatter  *ResponseFormatter
	log        *slog.Logger
}

// AdminActivatorConfig bundles the collaborators of an AdminActivator.
type AdminActivatorConfig struct {
	Store    *session.Store
	Client   interfaces.ProtocolClient
	Profiles interfaces.ProfileManager
	Domains  interfaces.DomainCredentialManager

	// Devices is optional; without it activated device credentials are not recorded.
	Devices interfaces.DeviceRepository
	MPS     MPSCredentials

	// ConvertPfx defaults to cryptoutils.ConvertPfx.
	ConvertPfx PfxConverter

	Formatter *ResponseFormatter
	Log       *slog.Logger
}

// NewAdminActivator creates an admin control mode activator.
func NewAdminActivator(cfg AdminActivatorConfig) *AdminActivator {
	convert := cfg.ConvertPfx
	if convert == nil {
		convert = cryptoutils.ConvertPfx
	}
	return &AdminActivator{
		store:      cfg.Store,
		client:     cfg.Client,
		profiles:   cfg.Profiles,
		domains:    cfg.Domains,
		devices:    cfg.Devices,
		mps:        cfg.MPS,
		convertPfx: convert,
		formatter:  cfg.Formatter,
		log:        cfg.Log,
	}
}

// Step implements interfaces.WorkflowExecutor.
func (a *AdminActivator) Step(ctx context.Context, msg *interfaces.ClientMessage, connID string) interfaces.Outcome {
	sess, err := lookupSession(a.store, connID)
	if err != nil {
		return interfaces.Outcome{Response: a.formatter.Failure(connID, "", err, "failed to activate in admin control mode")}
	}

	outcome, err := a.step(ctx, msg, sess)
	if err != nil {
		a.log.Error("Failed to activate in admin control mode", "connID", connID, "uuid", sess.DeviceUUID, "err", err)
		return a.formatter.fail(sess, err, "failed to activate in admin control mode")
	}
	return outcome
}

func (a *AdminActivator) step(ctx context.Context, msg *interfaces.ClientMessage, sess *session.Session) (interfaces.Outcome, error) {
	resp := msg.Response
	if resp == nil || sess.Payload == nil {
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s activation failed. Missing/invalid WSMan response payload.", sess.DeviceUUID)
	}
	payload := sess.Payload

	switch {
	case resp.Class(interfaces.AMTGeneralSettings) != nil:
		if err := acceptDigestRealm(sess, resp); err != nil {
			return interfaces.Outcome{}, err
		}
		if payload.FwNonce == nil {
			if err := a.client.Enumerate(ctx, sess.ConnectionID, interfaces.IPSHostBasedSetupService, interfaces.CallOptions{}); err != nil {
				return interfaces.Outcome{}, wrapCollaborator(sess, "enumerate host based setup service", err)
			}
			return interfaces.Outcome{}, nil
		}

	case resp.Class(interfaces.IPSHostBasedSetupService) != nil:
		if err := acceptHostBasedSetup(sess, resp); err != nil {
			return interfaces.Outcome{}, err
		}

	case resp.IsMethod(methodAddNextCertInChain):
		if !resp.Body.Succeeded() {
			return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrCertificateChainUploadFailed,
				"Device %s activation failed. Error while adding the certificates to AMT.", sess.DeviceUUID)
		}
		a.log.Debug("Certificate added to AMT", "uuid", sess.DeviceUUID, "index", sess.ChainIndex-1)

	case resp.IsMethod(methodAdminSetup):
		if !resp.Body.Succeeded() {
			return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrAdminSetupFailed,
				"Device %s activation failed. Error while activating the AMT in admin mode.", sess.DeviceUUID)
		}
		a.log.Info("Device activated in admin mode", "uuid", sess.DeviceUUID)
		sess.Status = "activated in admin mode."
		return interfaces.Outcome{HandOff: interfaces.KindCiraConfig}, nil

	default:
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s sent an invalid response.", sess.DeviceUUID)
	}

	if payload.FwNonce == nil {
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s sent an invalid response.", sess.DeviceUUID)
	}
	return interfaces.Outcome{}, a.advance(ctx, sess)
}

// advance resolves the certificate on first use, then issues the next chain
// certificate or, once the device confirmed the last one, AdminSetup.
func (a *AdminActivator) advance(ctx context.Context, sess *session.Session) error {
	if sess.Cert == nil {
		cert, err := a.resolveCertificate(ctx, sess)
		if err != nil {
			return err
		}
		sess.Cert = cert
		sess.ChainIndex = 0
	}

	chain := sess.Cert.Chain
	switch i := sess.ChainIndex; {
	case i < len(chain):
		if err := a.client.CertChainStep(ctx, sess.ConnectionID, chain[i], i == 0, i == len(chain)-1); err != nil {
			return wrapCollaborator(sess, "send certificate chain", err)
		}
		sess.ChainIndex++
		return nil
	case i == len(chain):
		sess.ChainIndex++
		return a.adminSetup(ctx, sess)
	default:
		return interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s sent an invalid response.", sess.DeviceUUID)
	}
}

func (a *AdminActivator) resolveCertificate(ctx context.Context, sess *session.Session) (*cryptoutils.ProvisioningCert, error) {
	payload := sess.Payload
	pfx, password, err := a.domains.GetProvisioningCert(ctx, payload.FQDN)
	if errors.Is(err, interfaces.ErrProfileNotFound) || (err == nil && pfx == "") {
		return nil, interfaces.WrapDeviceError(interfaces.ErrProvisioningCertificateNotFound, err,
			"Device %s activation failed. AMT provisioning certificate not found on server", sess.DeviceUUID)
	}
	if err != nil {
		return nil, wrapCollaborator(sess, "read provisioning certificate", err)
	}

	cert, err := a.convertPfx(pfx, password)
	if err != nil {
		return nil, interfaces.WrapDeviceError(interfaces.ErrProvisioningCertificateMismatch, err,
			"Device %s activation failed. Unable to read the provisioning certificate.", sess.DeviceUUID)
	}
	if !cert.MatchesTrustedRoot(payload.CertHashes) {
		return nil, interfaces.NewDeviceError(interfaces.ErrProvisioningCertificateMismatch,
			"Device %s activation failed. Provisioning certificate doesn't match any trusted certificates from AMT", sess.DeviceUUID)
	}
	return cert, nil
}

func (a *AdminActivator) adminSetup(ctx context.Context, sess *session.Session) error {
	payload := sess.Payload

	mcNonce, err := cryptoutils.GenerateNonce()
	if err != nil {
		return interfaces.WrapDeviceError(interfaces.ErrSignatureError, err,
			"Device %s activation failed. Unable to generate nonce.", sess.DeviceUUID)
	}
	signature, err := cryptoutils.SignNonces(payload.FwNonce, mcNonce, sess.Cert.PrivateKey)
	if err != nil {
		return interfaces.WrapDeviceError(interfaces.ErrSignatureError, err,
			"Device %s activation failed. Unable to sign the nonce.", sess.DeviceUUID)
	}

	amtPassword, err := a.profiles.GetAmtPassword(ctx, payload.ProfileName)
	if err != nil {
		return wrapCollaborator(sess, "read amt password", err)
	}
	recordDeviceCredentials(ctx, a.devices, a.log, sess, a.mps, amtPassword)

	body := map[string]any{
		"NetAdminPassEncryptionType": netAdminPassEncryptionType,
		"NetworkAdminPassword":       cryptoutils.DigestPasswordHash(amtAdminUser, payload.DigestRealm, amtPassword),
		"McNonce":                    base64.StdEncoding.EncodeToString(mcNonce),
		"SigningAlgorithm":           signingAlgorithm,
		"DigitalSignature":           signature,
	}
	if err := a.client.Invoke(ctx, sess.ConnectionID, interfaces.IPSHostBasedSetupService, methodAdminSetup, body, interfaces.CallOptions{}); err != nil {
		return wrapCollaborator(sess, "invoke admin setup", err)
	}
	return nil
}

// recordDeviceCredentials stores the credentials the device is about to be
// configured with. Failures are logged and do not stop the activation.
func recordDeviceCredentials(ctx context.Context, devices interfaces.DeviceRepository, log *slog.Logger, sess *session.Session, mps MPSCredentials, amtPassword string) {
	if devices == nil {
		log.Error("Unable to write device credentials, no device repository", "uuid", sess.DeviceUUID)
		return
	}
	err := devices.Insert(ctx, &interfaces.DeviceCredentials{
		GUID:        sess.DeviceUUID,
		MPSUsername: mps.Username,
		MPSPassword: mps.Password,
		AMTUsername: amtAdminUser,
		AMTPassword: amtPassword,
	})
	if err != nil {
		log.Error("Unable to write device credentials", "uuid", sess.DeviceUUID, "err", err)
	}
}

// acceptDigestRealm stores the digest realm reported in AMT_GeneralSettings.
func acceptDigestRealm(sess *session.Session, resp *interfaces.ResponsePayload) error {
	realm := resp.Class(interfaces.AMTGeneralSettings).String("DigestRealm")
	if !cryptoutils.IsDigestRealmValid(realm) {
		return interfaces.NewDeviceError(interfaces.ErrInvalidDigestRealm,
			"Device %s activation failed. Not a valid digest realm.", sess.DeviceUUID)
	}
	sess.Payload.DigestRealm = realm
	return nil
}

// acceptHostBasedSetup stores the configuration nonce and allowed control modes.
func acceptHostBasedSetup(sess *session.Session, resp *interfaces.ResponsePayload) error {
	hbs := resp.Class(interfaces.IPSHostBasedSetupService)
	nonce, err := base64.StdEncoding.DecodeString(hbs.String("ConfigurationNonce"))
	if err != nil || len(nonce) == 0 {
		return interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s activation failed. Invalid configuration nonce.", sess.DeviceUUID)
	}
	sess.Payload.FwNonce = nonce
	sess.Payload.Modes = controlModes(hbs.Response["AllowedControlModes"])
	return nil
}

// controlModes reads AllowedControlModes, which AMT reports as a single
// value when only one mode is allowed.
func controlModes(v any) []int {
	switch modes := v.(type) {
	case float64:
		return []int{int(modes)}
	case []any:
		out := make([]int, 0, len(modes))
		for _, m := range modes {
			if f, ok := m.(float64); ok {
				out = append(out, int(f))
			}
		}
		return out
	default:
		return nil
	}
}
