package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge and verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HashSecret hashes a secret with the minimum bcrypt cost to keep tests fast.
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

// PublicClient returns a public client using the none auth method.
func PublicClient(clientID string, redirectURIs ...string) *storage.Client {
	return &storage.Client{
		ClientID:                clientID,
		ClientType:              storage.ClientTypePublic,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		RedirectURIs:            redirectURIs,
		ClientName:              "Public Test Client",
		CreatedAt:               time.Now(),
	}
}

// ConfidentialClient returns a confidential client_secret_basic client whose
// secret is secret.
func ConfidentialClient(t *testing.T, clientID, secret string, redirectURIs ...string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        HashSecret(t, secret),
		ClientType:              storage.ClientTypeConfidential,
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token", "client_credentials", "password"},
		ResponseTypes:           []string{"code"},
		RedirectURIs:            redirectURIs,
		ClientName:              "Confidential Test Client",
		CreatedAt:               time.Now(),
	}
}

// TestAuthorizationCode returns an unused code for clientID expiring in ten minutes.
func TestAuthorizationCode(clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:          GenerateRandomString(32),
		ClientID:      clientID,
		ResourceOwner: "test-user-123",
		Scopes:        []string{"read", "write"},
		RedirectURI:   "https://example.com/callback",
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
}

// TestAccessToken returns an access token for clientID expiring in an hour.
func TestAccessToken(clientID, refreshToken string) *storage.AccessToken {
	return &storage.AccessToken{
		Token:         GenerateRandomString(32),
		ClientID:      clientID,
		ResourceOwner: "test-user-123",
		Scopes:        []string{"read"},
		TokenType:     "Bearer",
		RefreshToken:  refreshToken,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

// TestRefreshToken returns a refresh token for clientID in the given chain.
func TestRefreshToken(clientID, chainID string) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:         GenerateRandomString(32),
		ClientID:      clientID,
		ResourceOwner: "test-user-123",
		Scopes:        []string{"read"},
		ChainID:       chainID,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}
}

// SigningKey is an RSA key together with its public JWKS document.
type SigningKey struct {
	Private *rsa.PrivateKey
	KeyID   string
	JWKS    string
}

// GenerateSigningKey creates a 2048-bit RSA key and the JWKS advertising it.
func GenerateSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	kid := GenerateRandomString(12)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &priv.PublicKey,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("json.Marshal(jwks) error = %v", err)
	}
	return &SigningKey{Private: priv, KeyID: kid, JWKS: string(raw)}
}

// AssertionClaims returns a complete set of client assertion claims for
// clientID addressed to audience.
func AssertionClaims(clientID, audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"jti": GenerateRandomString(16),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
}

// SignRS256 signs claims with key, setting the kid header.
func (k *SigningKey) SignRS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.KeyID
	signed, err := token.SignedString(k.Private)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

// SignHS256 signs claims with a shared secret (client_secret_jwt).
func SignHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

// EncryptJWE wraps a compact JWS in a compact JWE for recipient using
// RSA-OAEP-256 and A256GCM.
func EncryptJWE(t *testing.T, jws string, recipient *rsa.PublicKey) string {
	t.Helper()
	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: recipient},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		t.Fatalf("jose.NewEncrypter() error = %v", err)
	}
	obj, err := encrypter.Encrypt([]byte(jws))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("CompactSerialize() error = %v", err)
	}
	return compact
}

// NewFormRequest builds a request carrying form as an
// application/x-www-form-urlencoded body. When secure is true the request
// looks like it arrived over TLS.
func NewFormRequest(method, target string, form url.Values, secure bool) *http.Request {
	var req *http.Request
	if method == http.MethodGet {
		if len(form) > 0 {
			target += "?" + form.Encode()
		}
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if secure {
		req.TLS = &tls.ConnectionState{}
	}
	return req
}
