/*
Package httpserver implements the HTTP surface of the remote provisioning service.

The server exposes three groups of endpoints:

 1. Device endpoint - a websocket (default path /activate) the device-side
    client connects to. Each connection carries one provisioning session:
    activation, deactivation or CIRA configuration of one AMT device.
 2. Admin API - CRUD for AMT profiles, CIRA configurations and provisioning
    domains under /api/v1/admin.
 3. Health endpoints - /livez, /readyz, /drain and /undrain, plus pprof
    under /debug when enabled.

# Device Endpoint

Every message a device sends is handed to a MessageProcessor on the
connection's own goroutine, so messages of one device are handled in
order. Outbound WS-Management calls are written to the connection through
the wsman.Sender registered for it at upgrade time. When the processor
returns a terminal response it is sent to the device and the connection
is closed normally. Disconnects release the session.

While the server is draining, new device connections are refused with
503 and existing ones are left to finish.

# Admin API

Each of /profiles, /ciraconfigs and /domains supports:

	GET    /            list records
	GET    /{name}      fetch one record
	POST   /create      create a record
	PATCH  /edit        replace a record
	DELETE /{name}      delete a record

Validation failures map to 400, unknown names to 404, duplicate names and
deleting a CIRA configuration still referenced by a profile to 409.
Passwords and provisioning certificates are never returned.

# Usage

	devices := httpserver.NewDeviceHandler(httpserver.DeviceHandlerConfig{
		Processor:   ingress,
		Connections: wsmanClient,
		Metrics:     metricsSrv.Metrics(),
		Log:         logger,
	})
	admin := httpserver.NewAdminHandler(profileManager, metricsSrv.Metrics(), logger)

	srv, err := httpserver.New(cfg, metricsSrv, devices, admin)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
