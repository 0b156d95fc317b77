// Package interfaces defines core interfaces and types for the AMT remote
// provisioning service, separating interface definitions from implementations.
//
// # Workflow Interfaces
//
// WorkflowExecutor: One entry point per workflow kind (admin activation, client
// activation, deactivation, CIRA configuration). Executors never return raw
// errors; every failure becomes a terminal Outcome.
//
// ProtocolClient: Issues management-protocol calls (get, enumerate, invoke, put,
// delete, certificate chain step) to a device over its session channel and
// decodes the replies.
//
// # Collaborator Interfaces
//
// ProfileManager / ProfileAdmin: Stored provisioning profiles, CIRA configs and domains.
//
// DomainCredentialManager: Provisioning certificate lookup by device FQDN.
//
// DeviceRepository: Per-device access credentials.
//
// SecretStore: Path addressed key/value secrets (Vault KV v2 in production).
//
// StorageBackend: Document storage for profiles (file, S3, Vault, bbolt).
//
// # Errors
//
// The workflow error taxonomy is a set of sentinel errors (ErrAdminSetupFailed,
// ErrCiraConfigurationFailed, ...). DeviceError carries a message that is safe to
// show to the device and unwraps to its sentinel kind.
package interfaces
