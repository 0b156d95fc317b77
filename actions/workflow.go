package actions

import (
	"fmt"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// amtAdminUser is the AMT account provisioned by activation.
const amtAdminUser = "admin"

// MPSCredentials are the management presence server credentials recorded
// for every activated device.
type MPSCredentials struct {
	Username string
	Password string
}

// wrapCollaborator annotates a collaborator failure with the device identity
// and the workflow status. The result is unclassified: the device only sees
// the generic failure message.
func wrapCollaborator(sess *session.Session, op string, err error) error {
	if sess.Status == "" {
		return fmt.Errorf("device %s: %s: %w", sess.DeviceUUID, op, err)
	}
	return fmt.Errorf("device %s (%s): %s: %w", sess.DeviceUUID, sess.Status, op, err)
}

// adminCall returns the options of an authenticated call to the session's device.
func adminCall(sess *session.Session) interfaces.CallOptions {
	return interfaces.CallOptions{Role: interfaces.AdminRole, TargetUUID: sess.DeviceUUID}
}

// lookupSession returns the session of connID or a SessionLookupFailed error.
func lookupSession(store *session.Store, connID string) (*session.Session, error) {
	sess, ok := store.Get(connID)
	if !ok {
		return nil, interfaces.NewDeviceError(interfaces.ErrSessionLookupFailed, "Device session %s not found", connID)
	}
	return sess, nil
}
