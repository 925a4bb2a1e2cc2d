package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// encryptionKeySize is the AES-256 key length in bytes.
const encryptionKeySize = 32

// Encryptor encrypts secrets at rest (client assertion keys, sensitive token
// parameters) with AES-256-GCM. A zero-key Encryptor is a pass-through.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor. An empty key disables encryption.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", encryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if !e.IsEnabled() {
		return encoded, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEnabled reports whether a key is configured. It is nil-safe.
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", encryptionKeySize, len(key))
	}
	return key, nil
}
