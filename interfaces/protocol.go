package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
)

// Management classes and services used by the workflows.
const (
	AMTGeneralSettings                 = "AMT_GeneralSettings"
	IPSHostBasedSetupService           = "IPS_HostBasedSetupService"
	AMTSetupAndConfigurationService    = "AMT_SetupAndConfigurationService"
	AMTRemoteAccessPolicyRule          = "AMT_RemoteAccessPolicyRule"
	AMTManagementPresenceRemoteSAP     = "AMT_ManagementPresenceRemoteSAP"
	AMTPublicKeyCertificate            = "AMT_PublicKeyCertificate"
	AMTPublicKeyManagementService      = "AMT_PublicKeyManagementService"
	AMTEnvironmentDetectionSettingData = "AMT_EnvironmentDetectionSettingData"
	AMTRemoteAccessService             = "AMT_RemoteAccessService"
	AMTUserInitiatedConnectionService  = "AMT_UserInitiatedConnectionService"
)

// CallOptions carries the optional role hint and target device for a protocol call.
type CallOptions struct {
	Role       string
	TargetUUID string
}

// AdminRole is the role hint used for authenticated calls.
const AdminRole = "admin"

// ProtocolClient issues management-protocol calls to a device over its session
// channel. Calls never block on the device reply: the reply re-enters the system
// as the next inbound message for the connection.
type ProtocolClient interface {
	// Get reads the single instance of a class.
	Get(ctx context.Context, connID, class string, opts CallOptions) error

	// Enumerate lists all instances of a class.
	Enumerate(ctx context.Context, connID, class string, opts CallOptions) error

	// Invoke calls a method on a class with the given input body.
	Invoke(ctx context.Context, connID, class, operation string, body any, opts CallOptions) error

	// Put replaces an instance of a class.
	Put(ctx context.Context, connID, class string, body any, opts CallOptions) error

	// Delete removes the instance of class matched by selector.
	Delete(ctx context.Context, connID, class string, selector map[string]any, opts CallOptions) error

	// CertChainStep delivers one certificate of the provisioning chain.
	CertChainStep(ctx context.Context, connID string, der []byte, isFirst, isLast bool) error

	// SetCredentials sets the digest credentials used to answer 401 challenges.
	SetCredentials(connID, username, password string)

	// HandleChallenge re-issues the last call of a connection with digest
	// credentials after the device answered with a 401 challenge.
	HandleChallenge(ctx context.Context, connID, raw string) error

	// DecodeResponse parses a raw reply into its status code and payload.
	DecodeResponse(connID, raw string) (int, *ResponsePayload, error)

	// AcceptReply marks the outstanding call of a connection answered by raw.
	// It reports false for a reply that does not answer the outstanding call,
	// such as a re-delivered earlier reply.
	AcceptReply(connID, raw string) bool

	// Forget drops all per-connection state.
	Forget(connID string)
}

// ResponseHeader is the addressing header of a protocol reply.
type ResponseHeader struct {
	To          string `json:"To,omitempty"`
	RelatesTo   string `json:"RelatesTo,omitempty"`
	Action      string `json:"Action,omitempty"`
	MessageID   string `json:"MessageID,omitempty"`
	ResourceURI string `json:"ResourceURI,omitempty"`
	Method      string `json:"Method,omitempty"`
}

// ResponseBody carries the return value of an invoked method.
type ResponseBody struct {
	ReturnValue    *int   `json:"ReturnValue,omitempty"`
	ReturnValueStr string `json:"ReturnValueStr,omitempty"`
}

// Succeeded reports whether the body carries a zero return value.
func (b *ResponseBody) Succeeded() bool {
	return b != nil && b.ReturnValue != nil && *b.ReturnValue == 0
}

// ClassResult holds the instance (Get, Put) or instances (Enumerate) of a class.
type ClassResult struct {
	Response  map[string]any   `json:"response,omitempty"`
	Responses []map[string]any `json:"responses,omitempty"`
}

// String returns a string field of the single instance.
func (c *ClassResult) String(key string) string {
	if c == nil || c.Response == nil {
		return ""
	}
	if s, ok := c.Response[key].(string); ok {
		return s
	}
	return ""
}

// ResponsePayload is a protocol reply decoded into the internal payload shape.
//
// On the wire it is a JSON object with optional Header and Body members; every
// other member is keyed by class name.
type ResponsePayload struct {
	Header  *ResponseHeader
	Body    *ResponseBody
	Classes map[string]*ClassResult
}

// Class returns the result for a class, or nil.
func (p *ResponsePayload) Class(name string) *ClassResult {
	if p == nil || p.Classes == nil {
		return nil
	}
	return p.Classes[name]
}

// IsMethod reports whether the reply answers an invoke of the named method.
func (p *ResponsePayload) IsMethod(method string) bool {
	return p != nil && p.Header != nil && p.Header.Method == method
}

// RelatesTo returns the message id this reply answers, if any.
func (p *ResponsePayload) RelatesTo() string {
	if p == nil || p.Header == nil {
		return ""
	}
	return p.Header.RelatesTo
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ResponsePayload) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}

	*p = ResponsePayload{}
	for name, raw := range members {
		switch name {
		case "Header":
			p.Header = &ResponseHeader{}
			if err := json.Unmarshal(raw, p.Header); err != nil {
				return fmt.Errorf("invalid response header: %w", err)
			}
		case "Body":
			p.Body = &ResponseBody{}
			if err := json.Unmarshal(raw, p.Body); err != nil {
				return fmt.Errorf("invalid response body: %w", err)
			}
		default:
			result := &ClassResult{}
			if err := json.Unmarshal(raw, result); err != nil {
				return fmt.Errorf("invalid %s result: %w", name, err)
			}
			if p.Classes == nil {
				p.Classes = make(map[string]*ClassResult)
			}
			p.Classes[name] = result
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p ResponsePayload) MarshalJSON() ([]byte, error) {
	members := make(map[string]any, len(p.Classes)+2)
	for name, result := range p.Classes {
		members[name] = result
	}
	if p.Header != nil {
		members["Header"] = p.Header
	}
	if p.Body != nil {
		members["Body"] = p.Body
	}
	return json.Marshal(members)
}
