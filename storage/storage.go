package storage

import (
	"context"
	"errors"
	"time"
)

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token type names used for revocation hints and introspection.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Sentinel errors returned by store implementations.
var (
	ErrClientNotFound            = errors.New("client not found")
	ErrInvalidClientCredentials  = errors.New("invalid client credentials")
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrTokenNotFound             = errors.New("token not found")
	ErrAlreadyUsed               = errors.New("already used")
	ErrResourceOwnerNotFound     = errors.New("resource owner not found")
	ErrInvalidOwnerCredentials   = errors.New("invalid resource owner credentials")
	ErrReplayDetected            = errors.New("assertion replay detected")
)

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// SaveClient creates or replaces a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies the secret of a confidential client.
	// Implementations must take the same time whether or not the client
	// exists and return ErrInvalidClientCredentials for every failure.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (*Client, error)

	// ListClients returns all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkAuthorizationCodeUsed atomically flags the code as used and returns
	// its state as it was before the call. Exactly one caller observes a code
	// with Used == false; every later caller receives the code together with
	// ErrAlreadyUsed. Unknown codes return ErrAuthorizationCodeNotFound.
	MarkAuthorizationCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// SetAuthorizationCodeAccessToken records the access token issued from a
	// code so it can be revoked if the code is replayed.
	SetAuthorizationCodeAccessToken(ctx context.Context, code, accessToken string) error

	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// AccessTokenStore persists issued access tokens.
type AccessTokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the token (revoked or not) or ErrTokenNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken is idempotent; unknown tokens are not an error.
	RevokeAccessToken(ctx context.Context, token string) error

	// RevokeAccessTokensForRefreshToken revokes every access token issued
	// alongside the given refresh token.
	RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) error
}

// RefreshTokenStore persists issued refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the token (used/revoked or not) or ErrTokenNotFound.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// MarkRefreshTokenUsed atomically flags the token as used. It has the same
	// contract as MarkAuthorizationCodeUsed: one winner, ErrAlreadyUsed for
	// everyone else, ErrTokenNotFound for unknown tokens.
	MarkRefreshTokenUsed(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken is idempotent; unknown tokens are not an error.
	RevokeRefreshToken(ctx context.Context, token string) error

	// RevokeRefreshTokenChain revokes every refresh token of a rotation chain
	// together with the access tokens issued alongside them.
	RevokeRefreshTokenChain(ctx context.Context, chainID string) error
}

// TokenStore is the facade through which the core creates, looks up, marks
// used and revokes codes and tokens.
type TokenStore interface {
	AuthorizationCodeStore
	AccessTokenStore
	RefreshTokenStore
}

// ResourceOwnerStore authenticates end users for the password grant.
type ResourceOwnerStore interface {
	SaveResourceOwner(ctx context.Context, owner *ResourceOwner) error

	// ValidateResourceOwner returns ErrInvalidOwnerCredentials for an unknown
	// user and for a wrong password alike.
	ValidateResourceOwner(ctx context.Context, username, password string) (*ResourceOwner, error)
}

// AssertionReplayStore remembers consumed JWT assertion ids.
type AssertionReplayStore interface {
	// MarkAssertionUsed records jti until expiresAt. A jti that is already
	// recorded and not yet expired yields ErrReplayDetected. Callers scope
	// the jti to its issuer, since jti is only unique per issuer.
	MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) error
}
