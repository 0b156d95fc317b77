package interfaces

import (
	"errors"
	"fmt"
)

// Error taxonomy of the provisioning workflows. Every device-visible failure
// unwraps to exactly one of these.
var (
	ErrMalformedMessage                = errors.New("malformed message")
	ErrUnsupportedMethod               = errors.New("unsupported method")
	ErrUnsupportedAction               = errors.New("unsupported action")
	ErrSessionLookupFailed             = errors.New("session lookup failed")
	ErrInvalidDigestRealm              = errors.New("invalid digest realm")
	ErrProvisioningCertificateNotFound = errors.New("provisioning certificate not found")
	ErrProvisioningCertificateMismatch = errors.New("provisioning certificate mismatch")
	ErrCertificateChainUploadFailed    = errors.New("certificate chain upload failed")
	ErrSignatureError                  = errors.New("signature error")
	ErrAdminSetupFailed                = errors.New("admin setup failed")
	ErrClientSetupFailed               = errors.New("client setup failed")
	ErrDeactivationFailed              = errors.New("deactivation failed")
	ErrDeviceCredentialsNotFound       = errors.New("device credentials not found")
	ErrManagementPresenceNotFound      = errors.New("management presence server not found")
	ErrCiraConfigurationFailed         = errors.New("cira configuration failed")
	ErrUnexpectedDeviceResponse        = errors.New("unexpected device response")
)

// Errors returned by collaborators.
var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrSecretNotFound is returned when no secret exists at a path.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrProfileNotFound is returned when a named profile, CIRA config or domain does not exist.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrDeviceNotFound is returned by the device repository for unknown devices.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNoConnection is returned by the protocol client when a connection has no sender.
	ErrNoConnection = errors.New("device connection not found")
)

// DeviceError is an error whose message is safe to show to the device.
// It unwraps to its taxonomy kind and, if present, to the underlying cause.
type DeviceError struct {
	Kind    error
	Message string
	Cause   error
}

// NewDeviceError builds a DeviceError of the given kind with a formatted message.
func NewDeviceError(kind error, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapDeviceError builds a DeviceError of the given kind carrying cause.
func WrapDeviceError(kind, cause error, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *DeviceError) Error() string {
	return e.Message
}

func (e *DeviceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// DeviceMessage returns the message to surface to the device for err, and
// whether err was classified. Unclassified errors get the fallback message.
func DeviceMessage(err error, fallback string) (string, bool) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Message, true
	}
	return fallback, false
}
