// Package interfaces defines the core interfaces and types for the AMT remote provisioning service.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"fmt"
	"strings"
)

// WorkflowKind identifies which workflow executor drives a device session.
type WorkflowKind uint8

const (
	// KindUnknown is the zero value; a session with this kind cannot be dispatched.
	KindUnknown WorkflowKind = iota
	// KindAdminActivate activates a device into admin control mode.
	KindAdminActivate
	// KindUserActivate activates a device into client control mode.
	KindUserActivate
	// KindDeactivate unprovisions an activated device.
	KindDeactivate
	// KindCiraConfig removes stale CIRA configuration and installs a new one.
	KindCiraConfig
)

// String returns the action name used by the device client and in logs.
func (k WorkflowKind) String() string {
	switch k {
	case KindAdminActivate:
		return "acmactivate"
	case KindUserActivate:
		return "ccmactivate"
	case KindDeactivate:
		return "deactivate"
	case KindCiraConfig:
		return "ciraconfig"
	default:
		return "unknown"
	}
}

// ParseActivationMode maps a profile activation mode to a workflow kind.
func ParseActivationMode(mode string) (WorkflowKind, error) {
	switch strings.ToLower(mode) {
	case "acmactivate":
		return KindAdminActivate, nil
	case "ccmactivate":
		return KindUserActivate, nil
	default:
		return KindUnknown, fmt.Errorf("invalid activation mode %q", mode)
	}
}

// ClientMethod is the method field of a message sent by the device client.
type ClientMethod string

const (
	MethodActivation   ClientMethod = "activation"
	MethodDeactivation ClientMethod = "deactivation"
	MethodResponse     ClientMethod = "response"
	MethodHeartbeat    ClientMethod = "heartbeat_request"
)

// ClientMessage is a device message after decoding by the message parser.
type ClientMessage struct {
	Method          ClientMethod
	APIKey          string
	AppVersion      string
	ProtocolVersion string
	Status          string
	Message         string

	// Payload is set for activation and deactivation messages.
	Payload *ActivationPayload

	// Raw holds the decoded protocol reply text for response messages,
	// starting with the synthetic HTTP status line.
	Raw string

	// StatusCode and Response are filled in by the ingress once Raw has been decoded.
	StatusCode int
	Response   *ResponsePayload
}

// ActivationPayload is the device descriptor sent with activation and deactivation
// messages, enriched by the workflows as new facts about the device arrive.
type ActivationPayload struct {
	Version     string   `json:"ver"`
	Build       string   `json:"build"`
	SKU         string   `json:"sku"`
	UUID        string   `json:"uuid"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	CurrentMode int      `json:"currentMode"`
	Hostname    string   `json:"hostname"`
	FQDN        string   `json:"fqdn"`
	Client      string   `json:"client"`
	CertHashes  []string `json:"certHashes"`
	ProfileName string   `json:"profile"`

	// Resolved by the activation validator.
	Profile    *AMTProfile `json:"-"`
	CIRAConfig *CIRAConfig `json:"-"`

	// Learned from the device during activation.
	DigestRealm string `json:"-"`
	FwNonce     []byte `json:"-"`
	Modes       []int  `json:"-"`
}

// AMTProfile is a stored provisioning profile.
type AMTProfile struct {
	ProfileName    string `json:"profileName"`
	Activation     string `json:"activation"`
	AMTPassword    string `json:"amtPassword,omitempty"`
	CIRAConfigName string `json:"ciraConfigName,omitempty"`
}

// Server address formats accepted by AMT_RemoteAccessService.AddMpServer.
const (
	AddressFormatIPv4 = 3
	AddressFormatIPv6 = 4
	AddressFormatFQDN = 201
)

// CIRAConfig describes the management presence server a device should tunnel to.
type CIRAConfig struct {
	ConfigName          string `json:"configName"`
	MPSServerAddress    string `json:"mpsServerAddress"`
	ServerAddressFormat int    `json:"serverAddressFormat"`
	MPSPort             int    `json:"mpsPort"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	CommonName          string `json:"commonName,omitempty"`
	AuthMethod          int    `json:"authMethod"`
	MPSRootCertificate  string `json:"mpsRootCertificate"`
}

// Domain binds a DNS suffix to the provisioning certificate trusted by AMT for that suffix.
type Domain struct {
	ProfileName              string `json:"profileName"`
	DomainSuffix             string `json:"domainSuffix"`
	ProvisioningCert         string `json:"provisioningCert,omitempty"`
	ProvisioningCertPassword string `json:"provisioningCertPassword,omitempty"`
}

// DeviceCredentials are the access credentials stored for an activated device.
type DeviceCredentials struct {
	GUID        string `json:"guid"`
	MPSUsername string `json:"mpsUsername"`
	MPSPassword string `json:"mpsPassword"`
	AMTUsername string `json:"amtUsername"`
	AMTPassword string `json:"amtPassword"`
}

// ClientResponse is the device-visible response produced for every terminal
// workflow exit and for every outbound protocol call.
type ClientResponse struct {
	ConnectionID    string `json:"-"`
	DeviceUUID      string `json:"uuid,omitempty"`
	Status          string `json:"status"`
	SubStatus       string `json:"subStatus"`
	Message         string `json:"message"`
	Payload         string `json:"payload,omitempty"`
	AppVersion      string `json:"appVersion"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusWSMan   = "wsman"

	SubStatusSuccess = "success"
	SubStatusFailed  = "failed"
	SubStatusOK      = "ok"
)

// Outcome is the result of one workflow step.
//
// A nil Response with a zero HandOff means a protocol call was issued and the
// workflow awaits the next device message.
type Outcome struct {
	// Response is the terminal response for the session.
	Response *ClientResponse

	// HandOff asks the dispatcher to switch the session to another workflow
	// and re-dispatch the same message.
	HandOff WorkflowKind
}

// Terminal reports whether the outcome ends the session.
func (o Outcome) Terminal() bool {
	return o.Response != nil
}
