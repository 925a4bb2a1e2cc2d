package storage

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/tadaszelvys/server-library-sub000/security"
)

// DummySecretHash is compared against when the client or user is unknown so
// that failed lookups cost the same bcrypt round as wrong secrets.
const DummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns the bcrypt hash of a client secret or user password.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret always performs one bcrypt comparison. An empty hash is
// replaced by DummySecretHash and reported as a mismatch.
func CompareSecret(hash, secret string) bool {
	known := hash != ""
	if !known {
		hash = DummySecretHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return known && err == nil
}

// SensitiveParameters lists access token extension parameters that are
// encrypted at rest when an encryptor is configured.
var SensitiveParameters = []string{
	"mac_key",
}

// EncryptParameters returns a copy of params with sensitive string values
// encrypted. A nil or disabled encryptor returns params unchanged.
func EncryptParameters(params map[string]any, encryptor *security.Encryptor) (map[string]any, error) {
	return transformParameters(params, encryptor, encryptor.Encrypt, "encrypt")
}

// DecryptParameters reverses EncryptParameters.
func DecryptParameters(params map[string]any, encryptor *security.Encryptor) (map[string]any, error) {
	return transformParameters(params, encryptor, encryptor.Decrypt, "decrypt")
}

func transformParameters(params map[string]any, encryptor *security.Encryptor, fn func(string) (string, error), op string) (map[string]any, error) {
	if params == nil || encryptor == nil || !encryptor.IsEnabled() {
		return params, nil
	}

	sensitive := make(map[string]bool, len(SensitiveParameters))
	for _, name := range SensitiveParameters {
		sensitive[name] = true
	}

	result := make(map[string]any, len(params))
	for key, value := range params {
		str, ok := value.(string)
		if !sensitive[key] || !ok || str == "" {
			result[key] = value
			continue
		}
		out, err := fn(str)
		if err != nil {
			return nil, fmt.Errorf("failed to %s parameter %s: %w", op, key, err)
		}
		result[key] = out
	}
	return result, nil
}

// EncryptClient returns a copy of client with its assertion key encrypted.
func EncryptClient(client *Client, encryptor *security.Encryptor) (*Client, error) {
	return transformClient(client, encryptor, encryptor.Encrypt)
}

// DecryptClient returns a copy of client with its assertion key decrypted.
func DecryptClient(client *Client, encryptor *security.Encryptor) (*Client, error) {
	return transformClient(client, encryptor, encryptor.Decrypt)
}

func transformClient(client *Client, encryptor *security.Encryptor, fn func(string) (string, error)) (*Client, error) {
	if client == nil {
		return nil, nil
	}
	out := *client
	if client.AssertionKey == "" || encryptor == nil || !encryptor.IsEnabled() {
		return &out, nil
	}
	key, err := fn(client.AssertionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to transform assertion key: %w", err)
	}
	out.AssertionKey = key
	return &out, nil
}
