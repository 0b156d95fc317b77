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

func TestDeactivator(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore()
	newTestSession(t, store, interfaces.KindDeactivate)

	client := &MockProtocolClient{}
	client.On("Invoke", mock.Anything, testConnID, interfaces.AMTSetupAndConfigurationService, "Unprovision",
		map[string]any{"ProvisioningMode": 1},
		interfaces.CallOptions{Role: interfaces.AdminRole, TargetUUID: testDeviceUUID},
	).Return(nil).Once()
	devices := &MockDeviceRepository{}
	devices.On("Delete", mock.Anything, testDeviceUUID).Return(errors.New("vault sealed")).Once()

	d := NewDeactivator(store, client, devices, testFormatter(), testLogger())

	out := d.Step(ctx, instanceReply(interfaces.AMTSetupAndConfigurationService, map[string]any{"ProvisioningMode": 1.0}), testConnID)
	require.False(t, out.Terminal())

	out = d.Step(ctx, methodReply("Unprovision", 0), testConnID)
	require.True(t, out.Terminal())
	assert.Equal(t, interfaces.StatusSuccess, out.Response.Status)
	assert.Equal(t, "Deactivated.", out.Response.Message)
	assert.Equal(t, testDeviceUUID, out.Response.DeviceUUID)

	client.AssertExpectations(t)
	devices.AssertExpectations(t)
}

func TestDeactivatorFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unprovision rejected", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindDeactivate)
		devices := &MockDeviceRepository{}
		d := NewDeactivator(store, &MockProtocolClient{}, devices, testFormatter(), testLogger())

		out := d.Step(ctx, methodReply("Unprovision", 1), testConnID)
		require.True(t, out.Terminal())
		assert.Equal(t, interfaces.StatusError, out.Response.Status)
		assert.Equal(t, "Device "+testDeviceUUID+" deactivation failed.", out.Response.Message)
		devices.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("unprovision call cannot be sent", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindDeactivate)
		client := &MockProtocolClient{}
		client.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(interfaces.ErrNoConnection)
		d := NewDeactivator(store, client, nil, testFormatter(), testLogger())

		out := d.Step(ctx, instanceReply(interfaces.AMTSetupAndConfigurationService, map[string]any{}), testConnID)
		require.True(t, out.Terminal())
		assert.Equal(t, "failed to deactivate", out.Response.Message)
	})

	t.Run("unknown session", func(t *testing.T) {
		d := NewDeactivator(session.NewStore(), &MockProtocolClient{}, nil, testFormatter(), testLogger())
		out := d.Step(ctx, methodReply("Unprovision", 0), testConnID)
		require.True(t, out.Terminal())
		assert.Equal(t, "Device session conn-1 not found", out.Response.Message)
	})
}
