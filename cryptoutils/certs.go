package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// ProvisioningCert is a provisioning certificate chain with its private key,
// ordered leaf first and root last, as AMT expects it to be delivered.
type ProvisioningCert struct {
	// Chain holds the DER encoded certificates, leaf first.
	Chain [][]byte

	// PrivateKey signs the activation nonces.
	PrivateKey crypto.Signer

	// Fingerprint is the lowercase hex SHA-256 of the root certificate.
	Fingerprint string
}

// Fingerprint returns the lowercase hex SHA-256 of a DER certificate,
// the format AMT reports its trusted root hashes in.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NewProvisioningCert orders certs into a leaf-to-root chain for key.
//
// The leaf is the certificate whose public key matches key; the chain then
// follows issuers until a self-signed certificate or no issuer is found.
func NewProvisioningCert(certs []*x509.Certificate, key crypto.Signer) (*ProvisioningCert, error) {
	if len(certs) == 0 {
		return nil, errors.New("no certificates in provisioning certificate")
	}
	if key == nil {
		return nil, errors.New("no private key in provisioning certificate")
	}

	var leaf *x509.Certificate
	for _, cert := range certs {
		if publicKeysEqual(cert.PublicKey, key.Public()) {
			leaf = cert
			break
		}
	}
	if leaf == nil {
		return nil, errors.New("private key doesn't match any certificate")
	}

	chain := [][]byte{leaf.Raw}
	current := leaf
	for len(chain) < len(certs) && !bytes.Equal(current.RawIssuer, current.RawSubject) {
		var issuer *x509.Certificate
		for _, cert := range certs {
			if cert != current && bytes.Equal(cert.RawSubject, current.RawIssuer) {
				issuer = cert
				break
			}
		}
		if issuer == nil {
			break
		}
		chain = append(chain, issuer.Raw)
		current = issuer
	}

	return &ProvisioningCert{
		Chain:       chain,
		PrivateKey:  key,
		Fingerprint: Fingerprint(chain[len(chain)-1]),
	}, nil
}

// ConvertPfx decodes a base64 PKCS#12 archive protected by password into a
// provisioning certificate. Both legacy (RC2/3DES) and PBES2 (AES) archives
// are accepted.
func ConvertPfx(pfxBase64, password string) (*ProvisioningCert, error) {
	pfx, err := base64.StdEncoding.DecodeString(pfxBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid provisioning certificate encoding: %w", err)
	}

	privateKey, leaf, caCerts, err := pkcs12.DecodeChain(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provisioning certificate: %w", err)
	}

	key, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("unsupported private key type")
	}

	certs := append([]*x509.Certificate{leaf}, caCerts...)
	return NewProvisioningCert(certs, key)
}

// MatchesTrustedRoot reports whether the chain's root fingerprint is one of
// the hashes the device trusts, ignoring case.
func (pc *ProvisioningCert) MatchesTrustedRoot(hashes []string) bool {
	for _, hash := range hashes {
		if strings.EqualFold(strings.TrimSpace(hash), pc.Fingerprint) {
			return true
		}
	}
	return false
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
