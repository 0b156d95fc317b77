package actions

import (
	"context"
	"testing"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesBySessionKind(t *testing.T) {
	store := session.NewStore()
	newTestSession(t, store, interfaces.KindUserActivate)

	admin := &MockExecutor{}
	client := &MockExecutor{}
	client.On("Step", mock.Anything, mock.Anything, testConnID).Return(interfaces.Outcome{}).Once()

	executors := map[interfaces.WorkflowKind]interfaces.WorkflowExecutor{
		interfaces.KindAdminActivate: admin,
		interfaces.KindUserActivate:  client,
	}
	d := NewDispatcher(store, executors, testFormatter(), testLogger())

	// Later changes to the caller's map do not affect routing
	delete(executors, interfaces.KindUserActivate)

	resp := d.Dispatch(context.Background(), methodReply("Setup", 0), testConnID)
	assert.Nil(t, resp)
	client.AssertExpectations(t)
	admin.AssertNotCalled(t, "Step", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcherHandOff(t *testing.T) {
	store := session.NewStore()
	sess := newTestSession(t, store, interfaces.KindAdminActivate)
	msg := methodReply("AdminSetup", 0)

	admin := &MockExecutor{}
	admin.On("Step", mock.Anything, msg, testConnID).Return(interfaces.Outcome{HandOff: interfaces.KindCiraConfig}).Once()
	cira := &MockExecutor{}
	cira.On("Step", mock.Anything, msg, testConnID).Return(interfaces.Outcome{}).Once()

	d := NewDispatcher(store, map[interfaces.WorkflowKind]interfaces.WorkflowExecutor{
		interfaces.KindAdminActivate: admin,
		interfaces.KindCiraConfig:    cira,
	}, testFormatter(), testLogger())

	assert.Nil(t, d.Dispatch(context.Background(), msg, testConnID))
	assert.Equal(t, interfaces.KindCiraConfig, sess.Kind)
	admin.AssertExpectations(t)
	cira.AssertExpectations(t)
}

func TestDispatcherTerminalResponse(t *testing.T) {
	store := session.NewStore()
	newTestSession(t, store, interfaces.KindDeactivate)

	done := testFormatter().Success(testConnID, testDeviceUUID, "Deactivated.")
	deactivator := &MockExecutor{}
	deactivator.On("Step", mock.Anything, mock.Anything, testConnID).Return(interfaces.Outcome{Response: done})

	d := NewDispatcher(store, map[interfaces.WorkflowKind]interfaces.WorkflowExecutor{
		interfaces.KindDeactivate: deactivator,
	}, testFormatter(), testLogger())

	assert.Same(t, done, d.Dispatch(context.Background(), methodReply("Unprovision", 0), testConnID))
}

func TestDispatcherFailures(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		d := NewDispatcher(session.NewStore(), nil, testFormatter(), testLogger())
		resp := d.Dispatch(context.Background(), methodReply("Setup", 0), testConnID)
		require.NotNil(t, resp)
		assert.Equal(t, interfaces.StatusError, resp.Status)
		assert.Equal(t, "Device session conn-1 not found", resp.Message)
	})

	t.Run("no executor for kind", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindCiraConfig)
		d := NewDispatcher(store, nil, testFormatter(), testLogger())

		resp := d.Dispatch(context.Background(), methodReply("Setup", 0), testConnID)
		require.NotNil(t, resp)
		assert.Equal(t, interfaces.StatusError, resp.Status)
		assert.Equal(t, "Device "+testDeviceUUID+" Not a supported action: ciraconfig", resp.Message)
		assert.Equal(t, testDeviceUUID, resp.DeviceUUID)
	})

	t.Run("hand-off loop", func(t *testing.T) {
		store := session.NewStore()
		newTestSession(t, store, interfaces.KindAdminActivate)

		admin := &MockExecutor{}
		admin.On("Step", mock.Anything, mock.Anything, testConnID).Return(interfaces.Outcome{HandOff: interfaces.KindCiraConfig})
		cira := &MockExecutor{}
		cira.On("Step", mock.Anything, mock.Anything, testConnID).Return(interfaces.Outcome{HandOff: interfaces.KindAdminActivate})

		d := NewDispatcher(store, map[interfaces.WorkflowKind]interfaces.WorkflowExecutor{
			interfaces.KindAdminActivate: admin,
			interfaces.KindCiraConfig:    cira,
		}, testFormatter(), testLogger())

		resp := d.Dispatch(context.Background(), methodReply("AdminSetup", 0), testConnID)
		require.NotNil(t, resp)
		assert.Equal(t, "request failed", resp.Message)
		assert.Len(t, admin.Calls, 2)
		assert.Len(t, cira.Calls, 1)
	})
}
