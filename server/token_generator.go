package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tadaszelvys/server-library-sub000/internal/util"
)

// TokenClaims describes the grant an access token is generated for.
type TokenClaims struct {
	ClientID  string
	Subject   string // resource owner, empty for client-only grants
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenGenerator produces token and code values. Values must be unguessable
// and unique; the stores key records by them.
type TokenGenerator interface {
	AccessToken(ctx context.Context, claims TokenClaims) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	AuthorizationCode(ctx context.Context) (string, error)
}

// OpaqueTokenGenerator generates random URL-safe strings with 256 bits of
// entropy.
type OpaqueTokenGenerator struct{}

func (OpaqueTokenGenerator) AccessToken(context.Context, TokenClaims) (string, error) {
	return oauth2.GenerateVerifier(), nil
}

func (OpaqueTokenGenerator) RefreshToken(context.Context) (string, error) {
	return oauth2.GenerateVerifier(), nil
}

func (OpaqueTokenGenerator) AuthorizationCode(context.Context) (string, error) {
	return oauth2.GenerateVerifier(), nil
}

// AccessTokenClaims are the claims of access tokens issued by
// JWTTokenGenerator.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// JWTTokenGenerator issues self-contained JWT access tokens. Refresh tokens
// and codes stay opaque. Issued tokens are still stored, so revocation and
// introspection work as for opaque tokens.
type JWTTokenGenerator struct {
	issuer string
	method jwt.SigningMethod
	key    any
	kid    string
	opaque OpaqueTokenGenerator
}

// NewHS256TokenGenerator signs access tokens with a shared secret.
func NewHS256TokenGenerator(issuer string, secret []byte) (*JWTTokenGenerator, error) {
	if len(secret) < 32 {
		return nil, errors.New("HS256 secret must be at least 32 bytes")
	}
	return &JWTTokenGenerator{issuer: issuer, method: jwt.SigningMethodHS256, key: secret}, nil
}

// NewRS256TokenGenerator signs access tokens with an RSA key. kid is put in
// the token header so resource servers can pick the key from a JWKS.
func NewRS256TokenGenerator(issuer string, key *rsa.PrivateKey, kid string) (*JWTTokenGenerator, error) {
	if key == nil {
		return nil, errors.New("RSA key is required")
	}
	return &JWTTokenGenerator{issuer: issuer, method: jwt.SigningMethodRS256, key: key, kid: kid}, nil
}

// AccessToken signs a JWT whose subject is the resource owner, or the client
// for client-only grants.
func (g *JWTTokenGenerator) AccessToken(_ context.Context, claims TokenClaims) (string, error) {
	subject := claims.Subject
	if subject == "" {
		subject = claims.ClientID
	}

	t := jwt.NewWithClaims(g.method, AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			ID:        uuid.NewString(),
		},
		ClientID: claims.ClientID,
		Scope:    util.JoinScopes(claims.Scopes),
	})
	if g.kid != "" {
		t.Header["kid"] = g.kid
	}

	signed, err := t.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

func (g *JWTTokenGenerator) RefreshToken(ctx context.Context) (string, error) {
	return g.opaque.RefreshToken(ctx)
}

func (g *JWTTokenGenerator) AuthorizationCode(ctx context.Context) (string, error) {
	return g.opaque.AuthorizationCode(ctx)
}
