package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// maxHandOffs bounds the workflow switches applied to a single message.
const maxHandOffs = 2

// Dispatcher routes device messages to the executor registered for the
// session's workflow kind. The routing table is fixed at construction.
type Dispatcher struct {
	store     *session.Store
	executors map[interfaces.WorkflowKind]interfaces.WorkflowExecutor
	formatter *ResponseFormatter
	log       *slog.Logger
}

// NewDispatcher creates a dispatcher over executors. The map is copied.
func NewDispatcher(store *session.Store, executors map[interfaces.WorkflowKind]interfaces.WorkflowExecutor, formatter *ResponseFormatter, log *slog.Logger) *Dispatcher {
	table := make(map[interfaces.WorkflowKind]interfaces.WorkflowExecutor, len(executors))
	for kind, executor := range executors {
		table[kind] = executor
	}
	return &Dispatcher{
		store:     store,
		executors: table,
		formatter: formatter,
		log:       log,
	}
}

// Dispatch runs one workflow step for the session of connID. It returns the
// terminal response, or nil while the workflow waits for the device.
//
// A hand-off outcome switches the session to the requested workflow and
// re-dispatches the same message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *interfaces.ClientMessage, connID string) *interfaces.ClientResponse {
	sess, err := lookupSession(d.store, connID)
	if err != nil {
		return d.formatter.Failure(connID, "", err, "request failed")
	}

	for hops := 0; ; hops++ {
		executor, ok := d.executors[sess.Kind]
		if !ok {
			err := interfaces.NewDeviceError(interfaces.ErrUnsupportedAction, "Device %s Not a supported action: %s", sess.DeviceUUID, sess.Kind)
			return d.formatter.Failure(connID, sess.DeviceUUID, err, "request failed")
		}

		outcome := executor.Step(ctx, msg, connID)
		if outcome.Terminal() {
			return outcome.Response
		}
		if outcome.HandOff == interfaces.KindUnknown {
			return nil
		}

		if hops >= maxHandOffs {
			err := fmt.Errorf("too many workflow hand-offs for device %s", sess.DeviceUUID)
			return d.formatter.Failure(connID, sess.DeviceUUID, err, "request failed")
		}
		d.log.Debug("Workflow hand-off", "connID", connID, "uuid", sess.DeviceUUID, "from", sess.Kind, "to", outcome.HandOff)
		sess.Kind = outcome.HandOff
	}
}
