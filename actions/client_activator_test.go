package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newClientActivator(store *session.Store, client *MockProtocolClient, profiles *MockProfileManager, devices interfaces.DeviceRepository) *ClientActivator {
	return NewClientActivator(ClientActivatorConfig{
		Store:     store,
		Client:    client,
		Profiles:  profiles,
		Devices:   devices,
		MPS:       MPSCredentials{Username: "mpsuser", Password: "mpspass"},
		Formatter: testFormatter(),
		Log:       testLogger(),
	})
}

func TestClientActivatorActivates(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore()
	sess := newTestSession(t, store, interfaces.KindUserActivate)

	client := &MockProtocolClient{}
	profiles := &MockProfileManager{}
	devices := &MockDeviceRepository{}
	profiles.On("GetAmtPassword", mock.Anything, "profile1").Return("P@ssw0rd", nil)

	var body map[string]any
	client.On("Invoke", mock.Anything, testConnID, interfaces.IPSHostBasedSetupService, "Setup", mock.Anything, interfaces.CallOptions{}).
		Run(func(args mock.Arguments) { body = args.Get(4).(map[string]any) }).
		Return(nil).Once()

	act := newClientActivator(store, client, profiles, devices)
	out := act.Step(ctx, instanceReply(interfaces.AMTGeneralSettings, map[string]any{"DigestRealm": testRealm}), testConnID)
	require.False(t, out.Terminal())
	assert.Equal(t, testRealm, sess.Payload.DigestRealm)
	assert.Equal(t, 2, body["NetAdminPassEncryptionType"])
	assert.Equal(t, "6654ceb9533dd0fd6d3e5a3c3e8499d7", body["NetworkAdminPassword"])

	devices.On("Insert", mock.Anything, &interfaces.DeviceCredentials{
		GUID:        testDeviceUUID,
		MPSUsername: "mpsuser",
		MPSPassword: "mpspass",
		AMTUsername: "admin",
		AMTPassword: "P@ssw0rd",
	}).Return(nil).Once()

	out = act.Step(ctx, methodReply("Setup", 0), testConnID)
	assert.False(t, out.Terminal())
	assert.Equal(t, interfaces.KindCiraConfig, out.HandOff)
	assert.Equal(t, "activated in client mode.", sess.Status)
	client.AssertExpectations(t)
	devices.AssertExpectations(t)
}

func TestClientActivatorFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("setup rejected", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindUserActivate)
		act := newClientActivator(store, &MockProtocolClient{}, &MockProfileManager{}, nil)

		out := act.Step(ctx, methodReply("Setup", 1), testConnID)
		require.True(t, out.Terminal())
		assert.Equal(t, interfaces.StatusError, out.Response.Status)
		assert.Contains(t, out.Response.Message, "Error while activating the AMT in client mode.")
	})

	t.Run("credential store failure does not fail activation", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindUserActivate)
		profiles := &MockProfileManager{}
		profiles.On("GetAmtPassword", mock.Anything, "profile1").Return("P@ssw0rd", nil)
		devices := &MockDeviceRepository{}
		devices.On("Insert", mock.Anything, mock.Anything).Return(errors.New("vault sealed"))
		act := newClientActivator(store, &MockProtocolClient{}, profiles, devices)

		out := act.Step(ctx, methodReply("Setup", 0), testConnID)
		assert.False(t, out.Terminal())
		assert.Equal(t, interfaces.KindCiraConfig, out.HandOff)
	})

	t.Run("password lookup failure", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindUserActivate)
		profiles := &MockProfileManager{}
		profiles.On("GetAmtPassword", mock.Anything, "profile1").Return("", errors.New("secret store down"))
		act := newClientActivator(store, &MockProtocolClient{}, profiles, nil)

		out := act.Step(ctx, instanceReply(interfaces.AMTGeneralSettings, map[string]any{"DigestRealm": testRealm}), testConnID)
		require.True(t, out.Terminal())
		assert.Equal(t, "failed to activate in client control mode", out.Response.Message)
	})

	t.Run("missing payload", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindUserActivate)
		act := newClientActivator(store, &MockProtocolClient{}, &MockProfileManager{}, nil)

		out := act.Step(ctx, faultReply(200), testConnID)
		require.True(t, out.Terminal())
		assert.Contains(t, out.Response.Message, "Missing/invalid WSMan response payload.")
	})
}
