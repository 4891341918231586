// Package crypto seals small secrets (OAuth tokens) for storage at rest.
// It uses a two-tier scheme:
// - Storage key: derived from a user-supplied passphrase using HKDF-SHA256
// - Sealed blob: AES-256-GCM with a random nonce prepended
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived storage key in bytes (256 bits)
	KeySize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes (96 bits)
	NonceSize = 12

	// MinMasterKeySize is the shortest passphrase accepted by DeriveKey.
	MinMasterKeySize = 16

	tagSize = 16
)

// ErrDecrypt is returned when a sealed blob fails authentication, usually
// because the wrong key was supplied.
var ErrDecrypt = errors.New("crypto: decryption failed")

// DeriveKey derives a storage key from a master secret using HKDF-SHA256.
// purpose gives domain separation, e.g. "gmail-token:v1".
func DeriveKey(masterKey []byte, purpose string) ([]byte, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, fmt.Errorf("crypto: master key must be at least %d bytes, got %d", MinMasterKeySize, len(masterKey))
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM.
// Output format: nonce (12 bytes) || ciphertext || auth tag (16 bytes)
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+tagSize {
		return nil, fmt.Errorf("crypto: sealed data too short: got %d bytes, need at least %d", len(sealed), NonceSize+tagSize)
	}
	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return gcm, nil
}
