// Package storage provides a key-addressed document store with pluggable backends.
//
// Provisioning profiles, CIRA configurations and domains are kept as JSON
// documents under keys such as "profiles/<name>". Backends:
//
//   - File system storage for single-node deployments and development
//   - S3-compatible storage for cloud deployments
//   - HashiCorp Vault KV v2, keeping documents next to the secrets they reference
//   - bbolt, an embedded single-file database
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/rps/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - s3://ACCESS_KEY:SECRET_KEY@bucket-name/prefix/?endpoint=http://minio:9000
//   - vault://TOKEN@vault.internal:8200/secret/rps/
//   - bolt:///var/lib/rps/rps.db
//
// # Keys
//
// Keys are slash separated relative paths. Empty segments, "." and ".." are
// rejected so a key can never address anything outside its backend.
//
// # Redundancy
//
// MultiStorageBackend combines several backends: writes and deletes go to every
// available backend, reads are served by the first backend holding the key and
// listings are merged.
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]string{
//	    "file:///var/lib/rps",
//	    "s3://rps-profiles/prod/?region=eu-west-1",
//	})
package storage
