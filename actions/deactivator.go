package actions

import (
	"context"
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

const (
	methodUnprovision = "Unprovision"

	// provisioningModeAdmin asks Unprovision for a full return to pre-provisioning.
	provisioningModeAdmin = 1
)

// Deactivator returns activated devices to pre-provisioning mode.
type Deactivator struct {
	store     *session.Store
	client    interfaces.ProtocolClient
	devices   interfaces.DeviceRepository
	formatter *ResponseFormatter
	log       *slog.Logger
}

// NewDeactivator creates a deactivation workflow. devices may be nil.
func NewDeactivator(store *session.Store, client interfaces.ProtocolClient, devices interfaces.DeviceRepository, formatter *ResponseFormatter, log *slog.Logger) *Deactivator {
	return &Deactivator{
		store:     store,
		client:    client,
		devices:   devices,
		formatter: formatter,
		log:       log,
	}
}

// Step implements interfaces.WorkflowExecutor.
func (d *Deactivator) Step(ctx context.Context, msg *interfaces.ClientMessage, connID string) interfaces.Outcome {
	sess, err := lookupSession(d.store, connID)
	if err != nil {
		return interfaces.Outcome{Response: d.formatter.Failure(connID, "", err, "failed to deactivate")}
	}

	outcome, err := d.step(ctx, msg, sess)
	if err != nil {
		d.log.Error("Failed to deactivate", "connID", connID, "uuid", sess.DeviceUUID, "err", err)
		return d.formatter.fail(sess, err, "failed to deactivate")
	}
	return outcome
}

func (d *Deactivator) step(ctx context.Context, msg *interfaces.ClientMessage, sess *session.Session) (interfaces.Outcome, error) {
	resp := msg.Response
	switch {
	case resp.Class(interfaces.AMTSetupAndConfigurationService) != nil:
		body := map[string]any{"ProvisioningMode": provisioningModeAdmin}
		if err := d.client.Invoke(ctx, sess.ConnectionID, interfaces.AMTSetupAndConfigurationService, methodUnprovision, body, adminCall(sess)); err != nil {
			return interfaces.Outcome{}, wrapCollaborator(sess, "invoke unprovision", err)
		}
		return interfaces.Outcome{}, nil

	case resp.IsMethod(methodUnprovision):
		if !resp.Body.Succeeded() {
			return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrDeactivationFailed,
				"Device %s deactivation failed.", sess.DeviceUUID)
		}
		if d.devices != nil {
			if err := d.devices.Delete(ctx, sess.DeviceUUID); err != nil {
				d.log.Error("Unable to delete device credentials", "uuid", sess.DeviceUUID, "err", err)
			}
		}
		d.log.Info("Device deactivated", "uuid", sess.DeviceUUID)
		return d.formatter.succeed(sess, "Deactivated."), nil

	default:
		return interfaces.Outcome{}, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
			"Device %s sent an invalid response.", sess.DeviceUUID)
	}
}
