package cryptoutils

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// NonceSize is the size of the management console nonce sent with AdminSetup.
const NonceSize = 20

var digestRealmHex = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)

// GenerateNonce returns a fresh random management console nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// ConcatNonces returns fwNonce followed by mcNonce. AMT verifies the
// activation signature over exactly this byte sequence.
func ConcatNonces(fwNonce, mcNonce []byte) []byte {
	data := make([]byte, 0, len(fwNonce)+len(mcNonce))
	data = append(data, fwNonce...)
	return append(data, mcNonce...)
}

// SignNonces signs fwNonce||mcNonce with SHA-256 and returns the base64 signature.
// RSA keys produce a PKCS#1 v1.5 signature.
func SignNonces(fwNonce, mcNonce []byte, key crypto.Signer) (string, error) {
	if key == nil {
		return "", errors.New("no signing key")
	}
	digest := sha256.Sum256(ConcatNonces(fwNonce, mcNonce))
	signature, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to sign nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// DigestPasswordHash returns hex(MD5(username:realm:password)), the form AMT
// stores its admin password in.
func DigestPasswordHash(username, realm, password string) string {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return hex.EncodeToString(sum[:])
}

// IsDigestRealmValid checks a device digest realm of the form "Digest:" followed by 32 hex digits.
func IsDigestRealmValid(realm string) bool {
	if len(realm) != 39 || realm[:7] != "Digest:" {
		return false
	}
	return digestRealmHex.MatchString(realm[7:])
}
