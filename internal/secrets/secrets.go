// Package secrets derives purpose-specific keys from SESSION_SECRET and
// seals data at rest.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each one yields an independent key from the same secret.
const (
	PurposeCookieSigning  = "smart-portal cookie signing v1"
	PurposeSessionSealing = "smart-portal session sealing v1"
)

const keySize = 32

// DeriveKey expands secret into a 32 byte key bound to purpose.
func DeriveKey(secret, purpose string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("[secrets DeriveKey] secret is required")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("[secrets DeriveKey] failed to derive key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and authenticates blobs with XChaCha20-Poly1305.
// Output layout is [24 byte nonce][ciphertext+tag].
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a key derived for PurposeSessionSealing.
func NewSealer(secret string) (*Sealer, error) {
	key, err := DeriveKey(secret, PurposeSessionSealing)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("[secrets NewSealer] create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. additionalData is authenticated but not stored.
func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("[secrets Seal] generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. It fails if the data or additionalData were altered.
func (s *Sealer) Open(sealed, additionalData []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("[secrets Open] ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("[secrets Open] decryption failed: %w", err)
	}
	return plaintext, nil
}
