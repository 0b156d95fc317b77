package actions

import (
	"context"
	"log/slog"

	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/metrics"
	"github.com/ruteri/amt-remote-provisioning/session"
)

// Ingress is the entry point for every message a device client sends.
type Ingress struct {
	parser     interfaces.MessageParser
	validator  *Validator
	store      *session.Store
	client     interfaces.ProtocolClient
	dispatcher *Dispatcher
	formatter  *ResponseFormatter
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// IngressConfig bundles the collaborators of an Ingress.
type IngressConfig struct {
	Parser     interfaces.MessageParser
	Validator  *Validator
	Store      *session.Store
	Client     interfaces.ProtocolClient
	Dispatcher *Dispatcher
	Formatter  *ResponseFormatter

	// Metrics is optional.
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewIngress creates a message ingress.
func NewIngress(cfg IngressConfig) *Ingress {
	return &Ingress{
		parser:     cfg.Parser,
		validator:  cfg.Validator,
		store:      cfg.Store,
		client:     cfg.Client,
		dispatcher: cfg.Dispatcher,
		formatter:  cfg.Formatter,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}
}

// ProcessData handles one raw message received on connection connID.
//
// It returns the terminal response of the session, after which the
// connection should be closed, or nil when the session continues. Protocol
// calls are sent to the device by the protocol client, not returned.
func (in *Ingress) ProcessData(ctx context.Context, raw []byte, connID string) *interfaces.ClientResponse {
	msg, err := in.parser.Parse(raw)
	if err != nil {
		in.log.Warn("Failed to parse device message", "connID", connID, "err", err)
		devErr := interfaces.WrapDeviceError(interfaces.ErrMalformedMessage, err, "Failed to parse client message")
		return in.finish(connID, nil, in.formatter.Failure(connID, in.deviceUUID(connID), devErr, "request failed"))
	}
	in.metrics.MessageReceived(string(msg.Method))

	resp, err := in.route(ctx, msg, connID)
	if err != nil {
		sess, _ := in.store.Get(connID)
		return in.finish(connID, sess, in.formatter.Failure(connID, in.deviceUUID(connID), err, "request failed"))
	}
	if resp == nil {
		return nil
	}
	sess, _ := in.store.Get(connID)
	return in.finish(connID, sess, resp)
}

func (in *Ingress) route(ctx context.Context, msg *interfaces.ClientMessage, connID string) (*interfaces.ClientResponse, error) {
	switch msg.Method {
	case interfaces.MethodActivation:
		return in.activation(ctx, msg, connID)
	case interfaces.MethodDeactivation:
		return nil, in.deactivation(ctx, msg, connID)
	case interfaces.MethodResponse:
		return in.response(ctx, msg, connID)
	case interfaces.MethodHeartbeat:
		return nil, nil
	default:
		return nil, interfaces.NewDeviceError(interfaces.ErrUnsupportedMethod,
			"Device %s Not a supported method received from AMT device", in.deviceUUID(connID))
	}
}

func (in *Ingress) activation(ctx context.Context, msg *interfaces.ClientMessage, connID string) (*interfaces.ClientResponse, error) {
	sess := in.store.GetOrCreate(connID)
	if err := in.validator.ValidateActivation(ctx, msg, sess); err != nil {
		return nil, err
	}
	in.log.Debug("Activation request", "connID", connID, "uuid", sess.DeviceUUID, "kind", sess.Kind, "profile", sess.Payload.ProfileName)

	if sess.Kind != interfaces.KindCiraConfig && sess.Payload.DigestRealm == "" {
		if err := in.client.Enumerate(ctx, connID, interfaces.AMTGeneralSettings, interfaces.CallOptions{}); err != nil {
			return nil, wrapCollaborator(sess, "enumerate general settings", err)
		}
		return nil, nil
	}
	return in.dispatcher.Dispatch(ctx, msg, connID), nil
}

func (in *Ingress) deactivation(ctx context.Context, msg *interfaces.ClientMessage, connID string) error {
	sess := in.store.GetOrCreate(connID)
	if err := in.validator.ValidateDeactivation(msg, sess); err != nil {
		return err
	}
	in.log.Debug("Deactivation request", "connID", connID, "uuid", sess.DeviceUUID)

	in.client.SetCredentials(connID, amtAdminUser, sess.Payload.Password)
	if err := in.client.Get(ctx, connID, interfaces.AMTSetupAndConfigurationService, adminCall(sess)); err != nil {
		return wrapCollaborator(sess, "read setup and configuration service", err)
	}
	return nil
}

func (in *Ingress) response(ctx context.Context, msg *interfaces.ClientMessage, connID string) (*interfaces.ClientResponse, error) {
	sess, err := lookupSession(in.store, connID)
	if err != nil {
		return nil, err
	}

	status, payload, err := in.client.DecodeResponse(connID, msg.Raw)
	if err != nil {
		return nil, interfaces.WrapDeviceError(interfaces.ErrMalformedMessage, err,
			"Device %s sent a malformed response.", sess.DeviceUUID)
	}

	if !in.client.AcceptReply(connID, msg.Raw) {
		in.log.Debug("Dropping device reply to no outstanding call", "connID", connID, "uuid", sess.DeviceUUID, "status", status)
		return nil, nil
	}

	if status == 401 {
		if err := in.client.HandleChallenge(ctx, connID, msg.Raw); err != nil {
			return nil, wrapCollaborator(sess, "answer authentication challenge", err)
		}
		return nil, nil
	}

	msg.StatusCode = status
	msg.Response = payload

	if id := payload.RelatesTo(); id != "" {
		if id == sess.LastConsumed {
			in.log.Debug("Dropping duplicate device reply", "connID", connID, "uuid", sess.DeviceUUID, "relatesTo", id)
			return nil, nil
		}
		sess.LastConsumed = id
	}

	if status != 200 {
		in.log.Debug("Device reply with error status", "connID", connID, "uuid", sess.DeviceUUID, "status", status)
		if sess.Kind != interfaces.KindCiraConfig {
			return nil, interfaces.NewDeviceError(interfaces.ErrUnexpectedDeviceResponse,
				"Device %s activation failed. Bad wsman response from AMT device", sess.DeviceUUID)
		}
	}

	return in.dispatcher.Dispatch(ctx, msg, connID), nil
}

// finish records a terminal response and discards the session.
func (in *Ingress) finish(connID string, sess *session.Session, resp *interfaces.ClientResponse) *interfaces.ClientResponse {
	kind := interfaces.KindUnknown
	if sess != nil {
		kind = sess.Kind
	}
	in.metrics.WorkflowFinished(kind.String(), resp.Status)
	in.Close(connID)
	return resp
}

// Close discards the session and protocol state of a connection.
func (in *Ingress) Close(connID string) {
	in.store.Remove(connID)
	in.client.Forget(connID)
}

func (in *Ingress) deviceUUID(connID string) string {
	if sess, ok := in.store.Get(connID); ok {
		return sess.DeviceUUID
	}
	return ""
}
