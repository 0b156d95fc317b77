// Package wsman issues management protocol calls to AMT devices.
//
// Calls are framed as JSON, base64 encoded and carried to the device client
// inside a response message with status "wsman". The device client relays
// the call to its local AMT firmware and returns the firmware reply as its
// next message, prefixed with the HTTP status line AMT answered with.
package wsman

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

// Call operations.
const (
	OpGet       = "Get"
	OpEnumerate = "Enumerate"
	OpInvoke    = "Invoke"
	OpPut       = "Put"
	OpDelete    = "Delete"
)

// MethodAddNextCertInChain is the host based setup method delivering one chain certificate.
const MethodAddNextCertInChain = "AddNextCertInChain"

// Call is one protocol operation as sent to the device client.
type Call struct {
	MessageID     string         `json:"messageId"`
	Operation     string         `json:"operation"`
	Class         string         `json:"class"`
	Method        string         `json:"method,omitempty"`
	Selector      map[string]any `json:"selector,omitempty"`
	Body          any            `json:"body,omitempty"`
	Role          string         `json:"role,omitempty"`
	TargetUUID    string         `json:"targetUuid,omitempty"`
	Authorization string         `json:"authorization,omitempty"`
}

// Sender delivers a framed message to one device connection.
type Sender interface {
	Send(resp *interfaces.ClientResponse) error
}

type connection struct {
	sender   Sender
	username string
	password string

	lastCall *Call
	digest   *digestState

	// awaiting is set while lastCall has no accepted reply.
	awaiting  bool
	lastReply [sha256.Size]byte
}

// Client implements interfaces.ProtocolClient on top of registered device connections.
type Client struct {
	appVersion      string
	protocolVersion string
	log             *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewClient creates a protocol client. appVersion and protocolVersion are
// echoed in every framed call.
func NewClient(appVersion, protocolVersion string, log *slog.Logger) *Client {
	return &Client{
		appVersion:      appVersion,
		protocolVersion: protocolVersion,
		log:             log,
		conns:           make(map[string]*connection),
	}
}

// Attach registers the sender for a device connection.
func (c *Client) Attach(connID string, sender Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[connID]
	if !ok {
		conn = &connection{}
		c.conns[connID] = conn
	}
	conn.sender = sender
}

// Forget drops the sender, credentials and pending call of a connection.
func (c *Client) Forget(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.conns, connID)
}

// SetCredentials sets the digest credentials for later 401 challenges.
func (c *Client) SetCredentials(connID, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[connID]
	if !ok {
		conn = &connection{}
		c.conns[connID] = conn
	}
	conn.username = username
	conn.password = password
}

// Get reads the single instance of class.
func (c *Client) Get(ctx context.Context, connID, class string, opts interfaces.CallOptions) error {
	return c.send(ctx, connID, &Call{Operation: OpGet, Class: class, Role: opts.Role, TargetUUID: opts.TargetUUID})
}

// Enumerate lists all instances of class.
func (c *Client) Enumerate(ctx context.Context, connID, class string, opts interfaces.CallOptions) error {
	return c.send(ctx, connID, &Call{Operation: OpEnumerate, Class: class, Role: opts.Role, TargetUUID: opts.TargetUUID})
}

// Invoke calls operation on class with body as input.
func (c *Client) Invoke(ctx context.Context, connID, class, operation string, body any, opts interfaces.CallOptions) error {
	return c.send(ctx, connID, &Call{Operation: OpInvoke, Class: class, Method: operation, Body: body, Role: opts.Role, TargetUUID: opts.TargetUUID})
}

// Put replaces the instance of class with body.
func (c *Client) Put(ctx context.Context, connID, class string, body any, opts interfaces.CallOptions) error {
	return c.send(ctx, connID, &Call{Operation: OpPut, Class: class, Body: body, Role: opts.Role, TargetUUID: opts.TargetUUID})
}

// Delete removes the instance of class matched by selector.
func (c *Client) Delete(ctx context.Context, connID, class string, selector map[string]any, opts interfaces.CallOptions) error {
	return c.send(ctx, connID, &Call{Operation: OpDelete, Class: class, Selector: selector, Role: opts.Role, TargetUUID: opts.TargetUUID})
}

// CertChainStep delivers one DER certificate of a provisioning chain. The
// first certificate is the leaf and the last the root.
func (c *Client) CertChainStep(ctx context.Context, connID string, der []byte, isFirst, isLast bool) error {
	body := map[string]any{
		"NextCertificate":   base64.StdEncoding.EncodeToString(der),
		"IsLeafCertificate": isFirst,
		"IsRootCertificate": isLast,
	}
	return c.Invoke(ctx, connID, interfaces.IPSHostBasedSetupService, MethodAddNextCertInChain, body, interfaces.CallOptions{})
}

// HandleChallenge answers a 401 reply by re-sending the last call of the
// connection with a digest Authorization computed from its credentials.
func (c *Client) HandleChallenge(ctx context.Context, connID, raw string) error {
	reply, err := parseReply(raw)
	if err != nil {
		return err
	}
	challenge, err := parseChallenge(reply.Header.Get("WWW-Authenticate"))
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, ok := c.conns[connID]
	if !ok || conn.lastCall == nil {
		c.mu.Unlock()
		return fmt.Errorf("no pending call to authenticate for connection %s", connID)
	}
	if conn.username == "" {
		c.mu.Unlock()
		return fmt.Errorf("no credentials for connection %s", connID)
	}
	if conn.digest != nil && conn.digest.Nonce == challenge.Nonce && !challenge.Stale && conn.lastCall.Authorization != "" {
		c.mu.Unlock()
		return fmt.Errorf("device rejected digest credentials for connection %s", connID)
	}
	if conn.digest == nil || conn.digest.Nonce != challenge.Nonce {
		conn.digest = &digestState{Challenge: challenge}
	}
	call := *conn.lastCall
	call.MessageID = uuid.NewString()
	call.Authorization, err = conn.digest.authorize(conn.username, conn.password, "POST", "/wsman")
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.Debug("retrying call with digest credentials", "connID", connID, "class", call.Class, "operation", call.Operation)
	return c.deliver(ctx, connID, &call)
}

// DecodeResponse parses a raw device reply into its status code and payload.
func (c *Client) DecodeResponse(connID, raw string) (int, *interfaces.ResponsePayload, error) {
	reply, err := parseReply(raw)
	if err != nil {
		return 0, nil, err
	}
	if len(reply.Body) == 0 {
		return reply.StatusCode, nil, nil
	}

	payload := &interfaces.ResponsePayload{}
	if err := json.Unmarshal(reply.Body, payload); err != nil {
		if reply.StatusCode == 200 {
			return reply.StatusCode, nil, fmt.Errorf("%w: invalid reply body: %v", interfaces.ErrMalformedMessage, err)
		}
		c.log.Debug("undecodable error reply body", "connID", connID, "status", reply.StatusCode, "err", err)
		return reply.StatusCode, nil, nil
	}
	return reply.StatusCode, payload, nil
}

// AcceptReply reports whether raw answers the call outstanding on connID and
// marks that call answered. A reply relating to another call, a reply when no
// call is outstanding, and a byte-identical repeat of the previous reply
// without a RelatesTo header are rejected.
func (c *Client) AcceptReply(connID, raw string) bool {
	reply, err := parseReply(raw)
	if err != nil {
		return false
	}
	relatesTo := replyRelatesTo(reply.Body)
	sum := sha256.Sum256([]byte(raw))

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[connID]
	if !ok || !conn.awaiting || conn.lastCall == nil {
		return false
	}
	if relatesTo != "" && relatesTo != conn.lastCall.MessageID {
		return false
	}
	// Challenges have no body; a repeated one is judged by HandleChallenge.
	if relatesTo == "" && reply.StatusCode != 401 && sum == conn.lastReply {
		return false
	}
	conn.awaiting = false
	conn.lastReply = sum
	return true
}

// replyRelatesTo extracts the RelatesTo header from a JSON payload or a SOAP
// envelope, as AMT returns faults.
func replyRelatesTo(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload interfaces.ResponsePayload
	if err := json.Unmarshal(body, &payload); err == nil {
		return payload.RelatesTo()
	}
	var envelope struct {
		Header struct {
			RelatesTo string `xml:"RelatesTo"`
		} `xml:"Header"`
	}
	if err := xml.Unmarshal(body, &envelope); err == nil {
		return strings.TrimSpace(envelope.Header.RelatesTo)
	}
	return ""
}

func (c *Client) send(ctx context.Context, connID string, call *Call) error {
	call.MessageID = uuid.NewString()
	var err error

	c.mu.Lock()
	conn, ok := c.conns[connID]
	if ok {
		conn.lastCall = call
		if conn.digest != nil {
			call.Authorization, err = conn.digest.authorize(conn.username, conn.password, "POST", "/wsman")
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.deliver(ctx, connID, call)
}

func (c *Client) deliver(ctx context.Context, connID string, call *Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn, ok := c.conns[connID]
	var sender Sender
	if ok {
		conn.lastCall = call
		conn.awaiting = true
		sender = conn.sender
	}
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrNoConnection, connID)
	}

	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s call: %w", call.Operation, call.Class, err)
	}

	return sender.Send(&interfaces.ClientResponse{
		ConnectionID:    connID,
		Status:          interfaces.StatusWSMan,
		SubStatus:       interfaces.SubStatusOK,
		Message:         "ok",
		Payload:         base64.StdEncoding.EncodeToString(data),
		AppVersion:      c.appVersion,
		ProtocolVersion: c.protocolVersion,
	})
}

// LastCall returns a copy of the last call sent on a connection.
func (c *Client) LastCall(connID string) (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[connID]
	if !ok || conn.lastCall == nil {
		return Call{}, false
	}
	return *conn.lastCall, true
}
