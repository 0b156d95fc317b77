package actions

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// Remote access methods and fixed values of the installed tunnel configuration.
const (
	methodAddTrustedRootCertificate = "AddTrustedRootCertificate"
	methodAddMpServer               = "AddMpServer"
	methodAddRemoteAccessPolicyRule = "AddRemoteAccessPolicyRule"
	methodRequestStateChange        = "RequestStateChange"

	// policyTriggerPeriodic keeps the tunnel up on a timer.
	policyTriggerPeriodic = 2
	// tunnelLifeTimeUnlimited keeps the tunnel open until it is closed.
	tunnelLifeTimeUnlimited = 0
	// policyExtendedData is a 25 second interval, network byte order.
	policyExtendedData = "AAAAAAAAABk="

	// userInitiatedEnabled enables both in-band and out-of-band user initiated connections.
	userInitiatedEnabled = 32771

	// placeholderDetectionString keeps the device convinced it is outside the
	// enterprise network so the tunnel is always used.
	placeholderDetectionString = "dummy.com"
)

// Policy rules removed during teardown, in removal order.
var teardownPolicyRules = []string{"User Initiated", "Alert", "Periodic"}

// CiraConfigurator removes existing CIRA configuration from a device and
// installs the one named by the device profile.
//
// Progress is tracked as session.CiraStep milestones. Each step consumes the
// reply to the call issued by the previous one, marks the next milestone and
// issues its call.
type CiraConfigurator struct {
	store     *session.Store
	client    interfaces.ProtocolClient
	devices   interfaces.DeviceRepository
	formatter *ResponseFormatter
	log       *slog.Logger
}

// NewCiraConfigurator creates a CIRA configuration workflow. devices may be
// nil, in which case every configuration fails for lack of credentials.
func NewCiraConfigurator(store *session.Store, client interfaces.ProtocolClient, devices interfaces.DeviceRepository, formatter *ResponseFormatter, log *slog.Logger) *CiraConfigurator {
	return &CiraConfigurator{
		store:     store,
		client:    client,
		devices:   devices,
		formatter: formatter,
		log:       log,
	}
}

// Step implements interfaces.WorkflowExecutor.
func (c *CiraConfigurator) Step(ctx context.Context, msg *interfaces.ClientMessage, connID string) interfaces.Outcome {
	sess, err := lookupSession(c.store, connID)
	if err != nil {
		return interfaces.Outcome{Response: c.formatter.Failure(connID, "", err, "Failed to configure CIRA")}
	}

	outcome, err := c.step(ctx, msg, sess)
	if err != nil {
		c.log.Error("Failed to configure CIRA", "connID", connID, "uuid", sess.DeviceUUID, "step", sess.Cira.Last(), "err", err)
		return c.formatter.fail(sess, err, statusMessage(sess, "Failed to configure CIRA"))
	}
	return outcome
}

func (c *CiraConfigurator) step(ctx context.Context, msg *interfaces.ClientMessage, sess *session.Session) (interfaces.Outcome, error) {
	if sess.Payload == nil {
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s sent an invalid response.", sess.DeviceUUID)
	}
	resp := msg.Response

	switch sess.Cira.Last() {
	// Teardown
	case session.CiraNone:
		if err := c.useDeviceCredentials(ctx, sess); err != nil {
			return interfaces.Outcome{}, err
		}
		c.log.Debug("Deleting CIRA configuration", "uuid", sess.DeviceUUID)
		return c.deletePolicyRule(ctx, sess, session.CiraPolicyUserInitiated, teardownPolicyRules[0])
	case session.CiraPolicyUserInitiated:
		return c.deletePolicyRule(ctx, sess, session.CiraPolicyAlert, teardownPolicyRules[1])
	case session.CiraPolicyAlert:
		return c.deletePolicyRule(ctx, sess, session.CiraPolicyPeriodic, teardownPolicyRules[2])
	case session.CiraPolicyPeriodic:
		c.log.Debug("Policy rules removed", "uuid", sess.DeviceUUID)
		return c.call(sess, session.CiraMPSEnumerate, func() error {
			return c.client.Enumerate(ctx, sess.ConnectionID, interfaces.AMTManagementPresenceRemoteSAP, adminCall(sess))
		})
	case session.CiraMPSEnumerate:
		return c.deleteManagementPresence(ctx, sess, resp)
	case session.CiraMPSDelete:
		return c.enumeratePublicCerts(ctx, sess)
	case session.CiraPublicCertEnumerate:
		return c.deletePublicCert(ctx, sess, resp)
	case session.CiraPublicCertDelete:
		return c.readEnvironmentDetection(ctx, sess, session.CiraEnvDetectionGet)
	case session.CiraEnvDetectionGet:
		return c.clearEnvironmentDetection(ctx, sess, resp)
	case session.CiraEnvDetectionCleared:
		return c.beginBuild(ctx, sess)

	// Build
	case session.CiraTrustedRootAdded:
		if err := c.checkReply(sess, msg, "Failed to add trusted root certificate."); err != nil {
			return interfaces.Outcome{}, err
		}
		return c.addManagementPresence(ctx, sess)
	case session.CiraMPSAdded:
		if msg.StatusCode != 200 || resp == nil || resp.Body == nil ||
			(resp.Body.ReturnValueStr != "SUCCESS" && !resp.Body.Succeeded()) {
			return interfaces.Outcome{}, c.failure(sess, "Failed to add Management Presence Server.")
		}
		c.log.Debug("Management presence server added", "uuid", sess.DeviceUUID)
		return c.call(sess, session.CiraMPSEnumerated, func() error {
			return c.client.Enumerate(ctx, sess.ConnectionID, interfaces.AMTManagementPresenceRemoteSAP, adminCall(sess))
		})
	case session.CiraMPSEnumerated:
		return c.addRemoteAccessPolicy(ctx, sess, resp)
	case session.CiraRemotePolicyAdded:
		if err := c.checkReply(sess, msg, "Failed to add remote access policy rule."); err != nil {
			return interfaces.Outcome{}, err
		}
		return c.call(sess, session.CiraUserInitiatedEnabled, func() error {
			body := map[string]any{"RequestedState": userInitiatedEnabled}
			return c.client.Invoke(ctx, sess.ConnectionID, interfaces.AMTUserInitiatedConnectionService, methodRequestStateChange, body, adminCall(sess))
		})
	case session.CiraUserInitiatedEnabled:
		if err := c.checkReply(sess, msg, "Failed to enable user initiated connections."); err != nil {
			return interfaces.Outcome{}, err
		}
		return c.readEnvironmentDetection(ctx, sess, session.CiraEnvDetectionGetCIRA)
	case session.CiraEnvDetectionGetCIRA:
		return c.setEnvironmentDetection(ctx, sess, resp)
	case session.CiraEnvDetectionSetCIRA:
		if err := c.checkReply(sess, msg, "Failed to set environment detection."); err != nil {
			return interfaces.Outcome{}, err
		}
		c.log.Info("CIRA configured", "uuid", sess.DeviceUUID)
		return c.formatter.succeed(sess, statusMessage(sess, "CIRA Configured.")), nil
	}

	return interfaces.Outcome{}, c.failure(sess, "Unknown CIRA configuration step.")
}

// call marks milestone next and issues its protocol call.
func (c *CiraConfigurator) call(sess *session.Session, next session.CiraStep, issue func() error) (interfaces.Outcome, error) {
	if err := mark(sess, next); err != nil {
		return interfaces.Outcome{}, err
	}
	if err := issue(); err != nil {
		return interfaces.Outcome{}, wrapCollaborator(sess, next.String(), err)
	}
	return interfaces.Outcome{}, nil
}

// useDeviceCredentials authenticates later calls with the stored AMT password.
func (c *CiraConfigurator) useDeviceCredentials(ctx context.Context, sess *session.Session) error {
	if c.devices == nil {
		return interfaces.NewDeviceError(interfaces.ErrDeviceCredentialsNotFound,
			"Device %s device repository not found", sess.DeviceUUID)
	}
	creds, err := c.devices.Get(ctx, sess.DeviceUUID)
	if err != nil && !errors.Is(err, interfaces.ErrDeviceNotFound) {
		return wrapCollaborator(sess, "read device credentials", err)
	}
	if creds == nil || creds.AMTPassword == "" {
		return interfaces.WrapDeviceError(interfaces.ErrDeviceCredentialsNotFound, err,
			"amt password DOES NOT exists for Device %s", sess.DeviceUUID)
	}

	c.log.Info("AMT password found for device", "uuid", sess.DeviceUUID)
	sess.Payload.Password = creds.AMTPassword
	c.client.SetCredentials(sess.ConnectionID, amtAdminUser, creds.AMTPassword)
	return nil
}

func (c *CiraConfigurator) deletePolicyRule(ctx context.Context, sess *session.Session, next session.CiraStep, rule string) (interfaces.Outcome, error) {
	return c.call(sess, next, func() error {
		selector := map[string]any{"PolicyRuleName": rule}
		return c.client.Delete(ctx, sess.ConnectionID, interfaces.AMTRemoteAccessPolicyRule, selector, adminCall(sess))
	})
}

// deleteManagementPresence removes the first enumerated management presence
// server. With none configured it moves on to the public certificates.
func (c *CiraConfigurator) deleteManagementPresence(ctx context.Context, sess *session.Session, resp *interfaces.ResponsePayload) (interfaces.Outcome, error) {
	sap := resp.Class(interfaces.AMTManagementPresenceRemoteSAP)
	if sap == nil {
		return interfaces.Outcome{}, c.failure(sess, "Failed to enumerate Management Presence Servers.")
	}
	if err := mark(sess, session.CiraMPSDelete); err != nil {
		return interfaces.Outcome{}, err
	}

	// Only one server is expected; any others are left in place.
	if len(sap.Responses) > 0 {
		name, _ := sap.Responses[0]["Name"].(string)
		c.log.Debug("Deleting management presence server", "uuid", sess.DeviceUUID, "name", name, "count", len(sap.Responses))
		if err := c.client.Delete(ctx, sess.ConnectionID, interfaces.AMTManagementPresenceRemoteSAP, map[string]any{"Name": name}, adminCall(sess)); err != nil {
			return interfaces.Outcome{}, wrapCollaborator(sess, session.CiraMPSDelete.String(), err)
		}
		return interfaces.Outcome{}, nil
	}
	return c.enumeratePublicCerts(ctx, sess)
}

func (c *CiraConfigurator) enumeratePublicCerts(ctx context.Context, sess *session.Session) (interfaces.Outcome, error) {
	return c.call(sess, session.CiraPublicCertEnumerate, func() error {
		return c.client.Enumerate(ctx, sess.ConnectionID, interfaces.AMTPublicKeyCertificate, adminCall(sess))
	})
}

// deletePublicCert deletes the enumerated public key certificates one per
// round trip, last first.
func (c *CiraConfigurator) deletePublicCert(ctx context.Context, sess *session.Session, resp *interfaces.ResponsePayload) (interfaces.Outcome, error) {
	progress := &sess.Cira
	if progress.PublicCerts == nil {
		certs := resp.Class(interfaces.AMTPublicKeyCertificate)
		if certs == nil {
			return interfaces.Outcome{}, c.failure(sess, "Failed to enumerate public key certificates.")
		}
		progress.PublicCerts = append(make([]map[string]any, 0, len(certs.Responses)), certs.Responses...)
	}

	if n := len(progress.PublicCerts); n > 0 {
		cert := progress.PublicCerts[n-1]
		progress.PublicCerts = progress.PublicCerts[:n-1]
		if err := c.client.Delete(ctx, sess.ConnectionID, interfaces.AMTPublicKeyCertificate, cert, adminCall(sess)); err != nil {
			return interfaces.Outcome{}, wrapCollaborator(sess, "delete public key certificate", err)
		}
		return interfaces.Outcome{}, nil
	}

	if err := mark(sess, session.CiraPublicCertDelete); err != nil {
		return interfaces.Outcome{}, err
	}
	return c.readEnvironmentDetection(ctx, sess, session.CiraEnvDetectionGet)
}

func (c *CiraConfigurator) readEnvironmentDetection(ctx context.Context, sess *session.Session, next session.CiraStep) (interfaces.Outcome, error) {
	return c.call(sess, next, func() error {
		return c.client.Get(ctx, sess.ConnectionID, interfaces.AMTEnvironmentDetectionSettingData, adminCall(sess))
	})
}

// clearEnvironmentDetection empties the detection strings until the device
// reports none, which completes the teardown.
func (c *CiraConfigurator) clearEnvironmentDetection(ctx context.Context, sess *session.Session, resp *interfaces.ResponsePayload) (interfaces.Outcome, error) {
	env := resp.Class(interfaces.AMTEnvironmentDetectionSettingData)
	if env != nil && hasDetectionStrings(env.Response) {
		settings := maps.Clone(env.Response)
		settings["DetectionStrings"] = []string{}
		if err := c.client.Put(ctx, sess.ConnectionID, interfaces.AMTEnvironmentDetectionSettingData, settings, adminCall(sess)); err != nil {
			return interfaces.Outcome{}, wrapCollaborator(sess, "clear environment detection", err)
		}
		return interfaces.Outcome{}, nil
	}

	if err := mark(sess, session.CiraEnvDetectionCleared); err != nil {
		return interfaces.Outcome{}, err
	}
	c.log.Debug("Deleted existing CIRA configuration", "uuid", sess.DeviceUUID)
	return c.beginBuild(ctx, sess)
}

// beginBuild installs the profile's CIRA configuration, or finishes the
// workflow when the profile names none.
func (c *CiraConfigurator) beginBuild(ctx context.Context, sess *session.Session) (interfaces.Outcome, error) {
	config := sess.Payload.CIRAConfig
	if config == nil {
		return c.formatter.succeed(sess, statusMessage(sess, "")), nil
	}
	return c.call(sess, session.CiraTrustedRootAdded, func() error {
		body := map[string]any{"CertificateBlob": config.MPSRootCertificate}
		return c.client.Invoke(ctx, sess.ConnectionID, interfaces.AMTPublicKeyManagementService, methodAddTrustedRootCertificate, body, adminCall(sess))
	})
}

func (c *CiraConfigurator) addManagementPresence(ctx context.Context, sess *session.Session) (interfaces.Outcome, error) {
	config := sess.Payload.CIRAConfig
	server := map[string]any{
		"AccessInfo": config.MPSServerAddress,
		"InfoFormat": config.ServerAddressFormat,
		"Port":       config.MPSPort,
		"AuthMethod": config.AuthMethod,
		"Username":   config.Username,
		"Password":   config.Password,
	}
	if config.ServerAddressFormat == interfaces.AddressFormatFQDN && config.CommonName != "" {
		server["CN"] = config.CommonName
	}
	return c.call(sess, session.CiraMPSAdded, func() error {
		return c.client.Invoke(ctx, sess.ConnectionID, interfaces.AMTRemoteAccessService, methodAddMpServer, server, adminCall(sess))
	})
}

func (c *CiraConfigurator) addRemoteAccessPolicy(ctx context.Context, sess *session.Session, resp *interfaces.ResponsePayload) (interfaces.Outcome, error) {
	sap := resp.Class(interfaces.AMTManagementPresenceRemoteSAP)
	if sap == nil || len(sap.Responses) == 0 {
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrManagementPresenceNotFound,
			"%s", statusMessage(sess, "Failed to add Management Presence Server."))
	}
	name, _ := sap.Responses[0]["Name"].(string)
	c.log.Debug("Management presence server exists", "uuid", sess.DeviceUUID, "name", name)

	policy := map[string]any{
		"Trigger":        policyTriggerPeriodic,
		"TunnelLifeTime": tunnelLifeTimeUnlimited,
		"ExtendedData":   policyExtendedData,
		"MpServer": map[string]any{
			"class":    interfaces.AMTManagementPresenceRemoteSAP,
			"selector": map[string]any{"Name": name},
		},
	}
	return c.call(sess, session.CiraRemotePolicyAdded, func() error {
		return c.client.Invoke(ctx, sess.ConnectionID, interfaces.AMTRemoteAccessService, methodAddRemoteAccessPolicyRule, policy, adminCall(sess))
	})
}

func (c *CiraConfigurator) setEnvironmentDetection(ctx context.Context, sess *session.Session, resp *interfaces.ResponsePayload) (interfaces.Outcome, error) {
	env := resp.Class(interfaces.AMTEnvironmentDetectionSettingData)
	if env == nil || env.Response == nil {
		return interfaces.Outcome{}, c.failure(sess, "Failed to read environment detection settings.")
	}
	settings := maps.Clone(env.Response)
	settings["DetectionStrings"] = []string{placeholderDetectionString}
	return c.call(sess, session.CiraEnvDetectionSetCIRA, func() error {
		return c.client.Put(ctx, sess.ConnectionID, interfaces.AMTEnvironmentDetectionSettingData, settings, adminCall(sess))
	})
}

// checkReply fails the workflow if the reply to a build call reports an error.
func (c *CiraConfigurator) checkReply(sess *session.Session, msg *interfaces.ClientMessage, what string) error {
	if msg.StatusCode != 200 {
		return c.failure(sess, what)
	}
	if msg.Response == nil {
		return nil
	}
	if body := msg.Response.Body; body != nil && body.ReturnValue != nil && *body.ReturnValue != 0 {
		return c.failure(sess, what)
	}
	return nil
}

func (c *CiraConfigurator) failure(sess *session.Session, what string) error {
	return interfaces.NewDeviceError(interfaces.ErrCiraConfigurationFailed, "%s", statusMessage(sess, what))
}

// mark completes CIRA milestone step.
func mark(sess *session.Session, step session.CiraStep) error {
	if err := sess.Cira.Mark(step); err != nil {
		return interfaces.WrapDeviceError(interfaces.ErrCiraConfigurationFailed, err,
			"%s", statusMessage(sess, "Failed to configure CIRA"))
	}
	return nil
}

// statusMessage prefixes text with the device and its accumulated status.
func statusMessage(sess *session.Session, text string) string {
	parts := []string{"Device", sess.DeviceUUID}
	for _, p := range []string{sess.Status, text} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// hasDetectionStrings reports whether environment detection settings carry
// any detection string. AMT reports a single string unwrapped.
func hasDetectionStrings(settings map[string]any) bool {
	switch v := settings["DetectionStrings"].(type) {
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	default:
		return false
	}
}
