// Package pkce generates the Proof Key for Code Exchange parameters (RFC 7636)
// and the CSRF state value used to correlate a login with its callback.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// verifierBytes of entropy encode to a 128 character verifier, the RFC maximum.
	verifierBytes = 96
	stateBytes    = 16

	// MethodS256 is the only challenge method the portal sends.
	MethodS256 = "S256"
)

// Codes is a verifier with its derived S256 challenge.
type Codes struct {
	Verifier  string
	Challenge string
}

// Generate creates a fresh verifier/challenge pair.
func Generate() (*Codes, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}
	return &Codes{
		Verifier:  verifier,
		Challenge: DeriveChallenge(verifier),
	}, nil
}

// GenerateVerifier returns an unpadded base64url encoding of 96 bytes read
// from crypto/rand.
func GenerateVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("[pkce GenerateVerifier] failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveChallenge computes BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GenerateState returns a 32 character hex CSRF token.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("[pkce GenerateState] failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
