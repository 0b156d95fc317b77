package actions

import (
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// ResponseFormatter builds the terminal responses sent to device clients.
type ResponseFormatter struct {
	appVersion      string
	protocolVersion string
	log             *slog.Logger
}

// NewResponseFormatter creates a formatter stamping responses with the given versions.
func NewResponseFormatter(appVersion, protocolVersion string, log *slog.Logger) *ResponseFormatter {
	return &ResponseFormatter{
		appVersion:      appVersion,
		protocolVersion: protocolVersion,
		log:             log,
	}
}

// Format builds a response for connID.
func (f *ResponseFormatter) Format(connID, deviceUUID, status, subStatus, message string) *interfaces.ClientResponse {
	return &interfaces.ClientResponse{
		ConnectionID:    connID,
		DeviceUUID:      deviceUUID,
		Status:          status,
		SubStatus:       subStatus,
		Message:         message,
		AppVersion:      f.appVersion,
		ProtocolVersion: f.protocolVersion,
	}
}

// Success builds a successful terminal response.
func (f *ResponseFormatter) Success(connID, deviceUUID, message string) *interfaces.ClientResponse {
	return f.Format(connID, deviceUUID, interfaces.StatusSuccess, interfaces.SubStatusSuccess, message)
}

// Failure builds a failed terminal response for err. Classified errors
// surface their device message; anything else gets fallback.
func (f *ResponseFormatter) Failure(connID, deviceUUID string, err error, fallback string) *interfaces.ClientResponse {
	message, classified := interfaces.DeviceMessage(err, fallback)
	if !classified {
		f.log.Error("Unclassified workflow error", "connID", connID, "uuid", deviceUUID, "err", err)
	} else {
		f.log.Warn("Workflow failed", "connID", connID, "uuid", deviceUUID, "err", err)
	}
	return f.Format(connID, deviceUUID, interfaces.StatusError, interfaces.SubStatusFailed, message)
}

// fail converts err into a terminal outcome for sess.
func (f *ResponseFormatter) fail(sess *session.Session, err error, fallback string) interfaces.Outcome {
	return interfaces.Outcome{Response: f.Failure(sess.ConnectionID, sess.DeviceUUID, err, fallback)}
}

// succeed returns a successful terminal outcome for sess.
func (f *ResponseFormatter) succeed(sess *session.Session, message string) interfaces.Outcome {
	return interfaces.Outcome{Response: f.Success(sess.ConnectionID, sess.DeviceUUID, message)}
}
