package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// Validator checks activation and deactivation requests and selects the
// workflow of a session.
type Validator struct {
	profiles interfaces.ProfileManager
	domains  interfaces.DomainCredentialManager
}

// NewValidator creates a request validator.
func NewValidator(profiles interfaces.ProfileManager, domains interfaces.DomainCredentialManager) *Validator {
	return &Validator{
		profiles: profiles,
		domains:  domains,
	}
}

// ValidateActivation resolves the profile named by an activation message,
// picks the workflow kind and stores the payload in sess.
//
// Facts already learned from the device on this connection are carried over
// into the new payload.
func (v *Validator) ValidateActivation(ctx context.Context, msg *interfaces.ClientMessage, sess *session.Session) error {
	payload := msg.Payload
	if payload == nil {
		return interfaces.NewDeviceError(interfaces.ErrMalformedMessage, "Missing payload in activation message")
	}
	adoptDeviceUUID(sess, payload)

	if payload.ProfileName == "" {
		return interfaces.NewDeviceError(interfaces.ErrMalformedMessage, "Device %s activation failed. Missing profile name.", sess.DeviceUUID)
	}

	profile, err := v.profiles.GetAmtProfile(ctx, payload.ProfileName)
	if errors.Is(err, interfaces.ErrProfileNotFound) {
		return interfaces.WrapDeviceError(interfaces.ErrUnsupportedAction, err,
			"Device %s activation failed. Specified AMT profile name does not exist.", sess.DeviceUUID)
	}
	if err != nil {
		return fmt.Errorf("device %s: failed to read profile %s: %w", sess.DeviceUUID, payload.ProfileName, err)
	}
	payload.Profile = profile

	kind, err := v.activationKind(ctx, payload, sess.DeviceUUID)
	if err != nil {
		return err
	}

	if profile.CIRAConfigName != "" {
		config, err := v.profiles.GetCiraConfiguration(ctx, profile.CIRAConfigName)
		if errors.Is(err, interfaces.ErrProfileNotFound) {
			return interfaces.WrapDeviceError(interfaces.ErrCiraConfigurationFailed, err,
				"Device %s activation failed. CIRA config %s does not exist.", sess.DeviceUUID, profile.CIRAConfigName)
		}
		if err != nil {
			return fmt.Errorf("device %s: failed to read cira config %s: %w", sess.DeviceUUID, profile.CIRAConfigName, err)
		}
		payload.CIRAConfig = config
	}

	if prev := sess.Payload; prev != nil {
		payload.DigestRealm = prev.DigestRealm
		payload.FwNonce = prev.FwNonce
		payload.Modes = prev.Modes
	}
	sess.Payload = payload
	if sess.Kind == interfaces.KindUnknown {
		sess.Kind = kind
	}
	return nil
}

func (v *Validator) activationKind(ctx context.Context, payload *interfaces.ActivationPayload, deviceUUID string) (interfaces.WorkflowKind, error) {
	profile := payload.Profile
	if payload.CurrentMode != 0 {
		if profile.CIRAConfigName == "" {
			return interfaces.KindUnknown, interfaces.NewDeviceError(interfaces.ErrUnsupportedAction,
				"Device %s already activated.", deviceUUID)
		}
		return interfaces.KindCiraConfig, nil
	}

	kind, err := interfaces.ParseActivationMode(profile.Activation)
	if err != nil {
		return interfaces.KindUnknown, interfaces.WrapDeviceError(interfaces.ErrUnsupportedAction, err,
			"Device %s activation failed. Unsupported activation mode %q.", deviceUUID, profile.Activation)
	}

	if kind == interfaces.KindAdminActivate {
		if payload.FQDN == "" {
			return interfaces.KindUnknown, interfaces.NewDeviceError(interfaces.ErrProvisioningCertificateNotFound,
				"Device %s activation failed. Missing FQDN for admin control mode.", deviceUUID)
		}
		ok, err := v.domains.DoesDomainExist(ctx, payload.FQDN)
		if err != nil {
			return interfaces.KindUnknown, fmt.Errorf("device %s: domain lookup for %s failed: %w", deviceUUID, payload.FQDN, err)
		}
		if !ok {
			return interfaces.KindUnknown, interfaces.NewDeviceError(interfaces.ErrProvisioningCertificateNotFound,
				"Device %s activation failed. Specified AMT domain suffix: %s does not match list of available AMT domain suffixes.", deviceUUID, payload.FQDN)
		}
	}
	return kind, nil
}

// ValidateDeactivation checks a deactivation message and stores its payload in sess.
func (v *Validator) ValidateDeactivation(msg *interfaces.ClientMessage, sess *session.Session) error {
	payload := msg.Payload
	if payload == nil {
		return interfaces.NewDeviceError(interfaces.ErrMalformedMessage, "Missing payload in deactivation message")
	}
	adoptDeviceUUID(sess, payload)

	if payload.CurrentMode == 0 {
		return interfaces.NewDeviceError(interfaces.ErrUnsupportedAction,
			"Device %s deactivation failed. Device is in pre-provisioning mode.", sess.DeviceUUID)
	}
	if payload.Password == "" {
		return interfaces.NewDeviceError(interfaces.ErrDeactivationFailed,
			"Device %s deactivation failed. Missing AMT password.", sess.DeviceUUID)
	}

	sess.Payload = payload
	if sess.Kind == interfaces.KindUnknown {
		sess.Kind = interfaces.KindDeactivate
	}
	return nil
}

// adoptDeviceUUID sets the session's device identity on first contact.
// Later payloads never change it.
func adoptDeviceUUID(sess *session.Session, payload *interfaces.ActivationPayload) {
	if sess.DeviceUUID == "" {
		sess.DeviceUUID = payload.UUID
	}
}
