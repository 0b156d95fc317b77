package actions

import (
	"context"
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/cryptoutils"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// ClientActivator activates devices into client control mode. Client control
// mode needs no provisioning certificate: the AMT password is set with a
// single host based Setup call.
type ClientActivator struct {
	store     *session.Store
	client    interfaces.ProtocolClient
	profiles  interfaces.ProfileManager
	devices   interfaces.DeviceRepository
	mps       MPSCredentials
	formatter *ResponseFormatter
	log       *slog.Logger
}

// ClientActivatorConfig bundles the collaborators of a ClientActivator.
type ClientActivatorConfig struct {
	Store    *session.Store
	Client   interfaces.ProtocolClient
	Profiles interfaces.ProfileManager

	// Devices is optional.
	Devices interfaces.DeviceRepository
	MPS     MPSCredentials

	Formatter *ResponseFormatter
	Log       *slog.Logger
}

func NewClientActivator(cfg ClientActivatorConfig) *ClientActivator {
	return &ClientActivator{
		store:     cfg.Store,
		client:    cfg.Client,
		profiles:  cfg.Profiles,
		devices:   cfg.Devices,
		mps:       cfg.MPS,
		formatter: cfg.Formatter,
		log:       cfg.Log,
	}
}

// Step implements interfaces.WorkflowExecutor.
func (c *ClientActivator) Step(ctx context.Context, msg *interfaces.ClientMessage, connID string) interfaces.Outcome {
	sess, err := lookupSession(c.store, connID)
	if err != nil {
		return interfaces.Outcome{Response: c.formatter.Failure(connID, "", err, "failed to activate in client control mode")}
	}

	outcome, err := c.step(ctx, msg, sess)
	if err != nil {
		c.log.Error("Failed to activate in client control mode", "connID", connID, "uuid", sess.DeviceUUID, "err", err)
		return c.formatter.fail(sess, err, "failed to activate in client control mode")
	}
	return outcome
}

func (c *ClientActivator) step(ctx context.Context, msg *interfaces.ClientMessage, sess *session.Session) (interfaces.Outcome, error) {
	resp := msg.Response
	if resp == nil || sess.Payload == nil {
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s activation failed. Missing/invalid WSMan response payload.", sess.DeviceUUID)
	}

	switch {
	case resp.Class(interfaces.AMTGeneralSettings) != nil:
		if err := acceptDigestRealm(sess, resp); err != nil {
			return interfaces.Outcome{}, err
		}
		return interfaces.Outcome{}, c.setup(ctx, sess)

	case resp.IsMethod(methodSetup):
		if !resp.Body.Succeeded() {
			return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrClientSetupFailed,
				"Device %s activation failed. Error while activating the AMT in client mode.", sess.DeviceUUID)
		}
		amtPassword, err := c.profiles.GetAmtPassword(ctx, sess.Payload.ProfileName)
		if err != nil {
			return interfaces.Outcome{}, wrapCollaborator(sess, "read amt password", err)
		}
		recordDeviceCredentials(ctx, c.devices, c.log, sess, c.mps, amtPassword)

		c.log.Info("Device activated in client mode", "uuid", sess.DeviceUUID)
		sess.Status = "activated in client mode."
		return interfaces.Outcome{HandOff: interfaces.KindCiraConfig}, nil

	default:
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s sent an invalid response.", sess.DeviceUUID)
	}
}

func (c *ClientActivator) setup(ctx context.Context, sess *session.Session) error {
	amtPassword, err := c.profiles.GetAmtPassword(ctx, sess.Payload.ProfileName)
	if err != nil {
		return wrapCollaborator(sess, "read amt password", err)
	}

	body := map[string]any{
		"NetAdminPassEncryptionType": netAdminPassEncryptionType,
		"NetworkAdminPassword":       cryptoutils.DigestPasswordHash(amtAdminUser, sess.Payload.DigestRealm, amtPassword),
	}
	if err := c.client.Invoke(ctx, sess.ConnectionID, interfaces.IPSHostBasedSetupService, methodSetup, body, interfaces.CallOptions{}); err != nil {
		return wrapCollaborator(sess, "invoke setup", err)
	}
	return nil
}
