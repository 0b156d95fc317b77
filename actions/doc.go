// Package actions drives the provisioning workflows of AMT devices.
//
// Every inbound device message enters through Ingress.ProcessData, which parses
// and validates it and hands protocol replies to the Dispatcher. The Dispatcher
// routes the message to the WorkflowExecutor registered for the session's
// workflow kind:
//
//   - AdminActivator activates a device into admin control mode by uploading a
//     provisioning certificate chain and a signed nonce.
//   - ClientActivator activates a device into client control mode.
//   - Deactivator unprovisions an activated device.
//   - CiraConfigurator removes any stale CIRA configuration and installs the
//     one named by the device profile.
//
// A workflow step issues at most one protocol call and returns. The device
// reply arrives later as the next message for the same connection and resumes
// the workflow from the progress recorded in its session.
//
// Terminal responses of every workflow are built by ResponseFormatter.
package actions
