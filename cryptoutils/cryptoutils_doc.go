// Package cryptoutils provides the cryptographic operations of AMT activation.
//
// # Provisioning Certificates
//
// ConvertPfx decodes a base64 PKCS#12 provisioning certificate into a
// ProvisioningCert: the chain ordered leaf first, the signing key, and the
// SHA-256 fingerprint of the chain's root. MatchesTrustedRoot checks that
// fingerprint against the root hashes the device firmware trusts. The chain
// is uploaded to the device leaf first, root last.
//
// # Admin Control Mode Setup
//
// GenerateNonce creates the 20 byte configuration nonce sent alongside the
// device's firmware nonce. SignNonces signs the concatenation of both with
// the provisioning key using RSA PKCS#1 v1.5 over SHA-256 and returns it in
// base64.
//
// # Digest Credentials
//
// AMT expects the admin password as the hex MD5 of "<user>:<realm>:<password>",
// see DigestPasswordHash. IsDigestRealmValid accepts only realms of the form
// "Digest:" followed by 32 hex digits, as AMT reports in AMT_GeneralSettings.
package cryptoutils
