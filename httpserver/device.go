package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/metrics"
	"github.com/ruteri/amt-remote-provisioning/wsman"
)

const (
	// maxDeviceMessageSize bounds one device message. Relayed AMT replies
	// carrying certificate enumerations are the largest.
	maxDeviceMessageSize = 1024 * 1024

	defaultDeviceWriteTimeout = 10 * time.Second
	closeGracePeriod          = time.Second
)

// MessageProcessor consumes device messages. It is implemented by actions.Ingress.
type MessageProcessor interface {
	ProcessData(ctx context.Context, raw []byte, connID string) *interfaces.ClientResponse
	Close(connID string)
}

// ConnectionRegistry registers the outbound channel of a device connection.
// It is implemented by wsman.Client.
type ConnectionRegistry interface {
	Attach(connID string, sender wsman.Sender)
}

// DeviceHandlerConfig bundles the collaborators of a DeviceHandler.
type DeviceHandlerConfig struct {
	Processor   MessageProcessor
	Connections ConnectionRegistry

	// Metrics is optional.
	Metrics *metrics.Metrics
	Log     *slog.Logger

	// ReadTimeout closes connections idle for longer. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DeviceHandler serves the websocket endpoint device clients connect to.
// Each connection is read by its own goroutine, so messages of one device
// are processed strictly in order.
type DeviceHandler struct {
	processor   MessageProcessor
	connections ConnectionRegistry
	metrics     *metrics.Metrics
	log         *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*deviceConn
}

func NewDeviceHandler(cfg DeviceHandlerConfig) *DeviceHandler {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultDeviceWriteTimeout
	}
	return &DeviceHandler{
		processor:    cfg.Processor,
		connections:  cfg.Connections,
		metrics:      cfg.Metrics,
		log:          cfg.Log,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device clients are not browsers and send no Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*deviceConn),
	}
}

// deviceConn implements wsman.Sender. Writes come from the connection's
// reader goroutine and from shutdown, so they are serialized.
type deviceConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *deviceConn) Send(resp *interfaces.ClientResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(resp)
}

// close sends a close frame. The reader goroutine then sees the connection end.
func (c *deviceConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}

// HandleDevice upgrades the request and runs the connection until the
// session ends or the device disconnects.
func (h *DeviceHandler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade device connection", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}

	conn := &deviceConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: h.writeTimeout,
	}
	log := h.log.With("connID", conn.id, "remoteAddr", r.RemoteAddr)

	h.register(conn)
	h.connections.Attach(conn.id, conn)
	h.metrics.SessionOpened()
	log.Debug("Device connected")

	defer func() {
		h.processor.Close(conn.id)
		h.unregister(conn.id)
		h.metrics.SessionClosed()
		ws.Close()
		log.Debug("Device disconnected")
	}()

	// The upgraded connection outlives the request context of a hijacked
	// connection, so the session gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws.SetReadLimit(maxDeviceMessageSize)
	for {
		if h.readTimeout > 0 {
			if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
				log.Warn("Failed to set read deadline", "err", err)
				return
			}
		}

		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Device connection lost", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		resp := h.processor.ProcessData(ctx, data, conn.id)
		if resp == nil {
			continue
		}

		if err := conn.Send(resp); err != nil {
			log.Warn("Failed to send final response", "err", err)
			return
		}
		log.Info("Device session finished", "uuid", resp.DeviceUUID, "status", resp.Status, "message", resp.Message)
		conn.close(websocket.CloseNormalClosure, "")
		return
	}
}

// Active returns the number of connected devices.
func (h *DeviceHandler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll asks every connected device to disconnect.
func (h *DeviceHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*deviceConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *DeviceHandler) register(c *deviceConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *DeviceHandler) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

var _ wsman.Sender = (*deviceConn)(nil)
