package actions

import (
	"context"
	"io"
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
	"github.com/stretchr/testify/mock"
)

// MockProtocolClient implements interfaces.ProtocolClient for testing
type MockProtocolClient struct {
	mock.Mock
}

func (m *MockProtocolClient) Get(ctx context.Context, connID, class string, opts interfaces.CallOptions) error {
	args := m.Called(ctx, connID, class, opts)
	return args.Error(0)
}

func (m *MockProtocolClient) Enumerate(ctx context.Context, connID, class string, opts interfaces.CallOptions) error {
	args := m.Called(ctx, connID, class, opts)
	return args.Error(0)
}

func (m *MockProtocolClient) Invoke(ctx context.Context, connID, class, operation string, body any, opts interfaces.CallOptions) error {
	args := m.Called(ctx, connID, class, operation, body, opts)
	return args.Error(0)
}

func (m *MockProtocolClient) Put(ctx context.Context, connID, class string, body any, opts interfaces.CallOptions) error {
	args := m.Called(ctx, connID, class, body, opts)
	return args.Error(0)
}

func (m *MockProtocolClient) Delete(ctx context.Context, connID, class string, selector map[string]any, opts interfaces.CallOptions) error {
	args := m.Called(ctx, connID, class, selector, opts)
	return args.Error(0)
}

func (m *MockProtocolClient) CertChainStep(ctx context.Context, connID string, der []byte, isFirst, isLast bool) error {
	args := m.Called(ctx, connID, der, isFirst, isLast)
	return args.Error(0)
}

func (m *MockProtocolClient) SetCredentials(connID, username, password string) {
	m.Called(connID, username, password)
}

func (m *MockProtocolClient) HandleChallenge(ctx context.Context, connID, raw string) error {
	args := m.Called(ctx, connID, raw)
	return args.Error(0)
}

func (m *MockProtocolClient) DecodeResponse(connID, raw string) (int, *interfaces.ResponsePayload, error) {
	args := m.Called(connID, raw)
	if args.Get(1) == nil {
		return args.Int(0), nil, args.Error(2)
	}
	return args.Int(0), args.Get(1).(*interfaces.ResponsePayload), args.Error(2)
}

func (m *MockProtocolClient) AcceptReply(connID, raw string) bool {
	args := m.Called(connID, raw)
	return args.Bool(0)
}

func (m *MockProtocolClient) Forget(connID string) {
	m.Called(connID)
}

// MockProfileManager implements interfaces.ProfileManager and
// interfaces.DomainCredentialManager for testing
type MockProfileManager struct {
	mock.Mock
}

func (m *MockProfileManager) GetAmtProfile(ctx context.Context, profileName string) (*interfaces.AMTProfile, error) {
	args := m.Called(ctx, profileName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.AMTProfile), args.Error(1)
}

func (m *MockProfileManager) GetCiraConfiguration(ctx context.Context, configName string) (*interfaces.CIRAConfig, error) {
	args := m.Called(ctx, configName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.CIRAConfig), args.Error(1)
}

func (m *MockProfileManager) GetAmtPassword(ctx context.Context, profileName string) (string, error) {
	args := m.Called(ctx, profileName)
	return args.String(0), args.Error(1)
}

func (m *MockProfileManager) DoesDomainExist(ctx context.Context, fqdn string) (bool, error) {
	args := m.Called(ctx, fqdn)
	return args.Bool(0), args.Error(1)
}

func (m *MockProfileManager) GetProvisioningCert(ctx context.Context, fqdn string) (string, string, error) {
	args := m.Called(ctx, fqdn)
	return args.String(0), args.String(1), args.Error(2)
}

// MockDeviceRepository implements interfaces.DeviceRepository for testing
type MockDeviceRepository struct {
	mock.Mock
}

func (m *MockDeviceRepository) Get(ctx context.Context, guid string) (*interfaces.DeviceCredentials, error) {
	args := m.Called(ctx, guid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DeviceCredentials), args.Error(1)
}

func (m *MockDeviceRepository) Insert(ctx context.Context, creds *interfaces.DeviceCredentials) error {
	args := m.Called(ctx, creds)
	return args.Error(0)
}

func (m *MockDeviceRepository) Delete(ctx context.Context, guid string) error {
	args := m.Called(ctx, guid)
	return args.Error(0)
}

// MockExecutor implements interfaces.WorkflowExecutor for testing
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Step(ctx context.Context, msg *interfaces.ClientMessage, connID string) interfaces.Outcome {
	args := m.Called(ctx, msg, connID)
	return args.Get(0).(interfaces.Outcome)
}

const (
	testConnID     = "conn-1"
	testDeviceUUID = "4c4c4544-004d-4d10-8050-b3c04f325133"
	testRealm      = "Digest:A3829B3827DE4D33D4449B366831FD01"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFormatter() *ResponseFormatter {
	return NewResponseFormatter("1.0.0", "4.0.0", testLogger())
}

// newTestSession registers a session of the given kind with a resolved payload.
func newTestSession(t interface{ Helper() }, store *session.Store, kind interfaces.WorkflowKind) *session.Session {
	t.Helper()
	sess := store.GetOrCreate(testConnID)
	sess.DeviceUUID = testDeviceUUID
	sess.Kind = kind
	sess.Payload = &interfaces.ActivationPayload{
		UUID:        testDeviceUUID,
		ProfileName: "profile1",
		FQDN:        "amt.vprodemo.com",
		Profile:     &interfaces.AMTProfile{ProfileName: "profile1", Activation: "acmactivate"},
	}
	return sess
}

func intPtr(v int) *int {
	return &v
}

// instanceReply is a 200 reply carrying the single instance of class.
func instanceReply(class string, instance map[string]any) *interfaces.ClientMessage {
	return &interfaces.ClientMessage{
		Method:     interfaces.MethodResponse,
		StatusCode: 200,
		Response: &interfaces.ResponsePayload{
			Header:  &interfaces.ResponseHeader{ResourceURI: class},
			Classes: map[string]*interfaces.ClassResult{class: {Response: instance}},
		},
	}
}

// enumerationReply is a 200 reply listing instances of class.
func enumerationReply(class string, instances ...map[string]any) *interfaces.ClientMessage {
	if instances == nil {
		instances = []map[string]any{}
	}
	return &interfaces.ClientMessage{
		Method:     interfaces.MethodResponse,
		StatusCode: 200,
		Response: &interfaces.ResponsePayload{
			Header:  &interfaces.ResponseHeader{ResourceURI: class},
			Classes: map[string]*interfaces.ClassResult{class: {Responses: instances}},
		},
	}
}

// methodReply is a 200 reply to an invoke of method with return value rv.
func methodReply(method string, rv int) *interfaces.ClientMessage {
	return &interfaces.ClientMessage{
		Method:     interfaces.MethodResponse,
		StatusCode: 200,
		Response: &interfaces.ResponsePayload{
			Header: &interfaces.ResponseHeader{Method: method},
			Body:   &interfaces.ResponseBody{ReturnValue: intPtr(rv)},
		},
	}
}

// faultReply is a non-200 reply without a decodable body.
func faultReply(status int) *interfaces.ClientMessage {
	return &interfaces.ClientMessage{
		Method:     interfaces.MethodResponse,
		StatusCode: status,
	}
}
