package storage

import (
	"slices"
	"time"
)

// Client represents a registered OAuth client.
type Client struct {
	ClientID string `json:"client_id"`

	// ClientSecretHash is the bcrypt hash of the client secret.
	ClientSecretHash string `json:"client_secret_hash,omitempty"`

	// SecretExpiresAt is when the client secret stops being accepted.
	// The zero value means it never expires.
	SecretExpiresAt time.Time `json:"secret_expires_at,omitempty"`

	// ClientType is ClientTypeConfidential or ClientTypePublic.
	ClientType string `json:"client_type"`

	// TokenEndpointAuthMethod is the single authentication method the client
	// is allowed to use at the token endpoint.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// JWKS holds the client's public keys (RFC 7517 JSON) for private_key_jwt
	// client assertions and jwt-bearer grant assertions.
	JWKS string `json:"jwks,omitempty"`

	// AssertionKey is the shared HMAC key for client_secret_jwt. Stores that
	// have an encryptor configured keep it encrypted at rest.
	AssertionKey string `json:"assertion_key,omitempty"`

	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	RedirectURIs  []string `json:"redirect_uris"`

	// Scopes lists the scopes the client may be granted. Empty means the
	// server's supported scopes apply.
	Scopes []string `json:"scopes,omitempty"`

	// DefaultScopes are granted when a request omits the scope parameter.
	DefaultScopes []string `json:"default_scopes,omitempty"`

	// ScopePolicy names the scope negotiation policy. Empty means the server default.
	ScopePolicy string `json:"scope_policy,omitempty"`

	// RequirePKCE forces a code_challenge on authorization requests.
	RequirePKCE bool `json:"require_pkce,omitempty"`

	// Per-kind lifetime overrides in seconds. Zero means the server default.
	AccessTokenTTL       int64 `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL      int64 `json:"refresh_token_ttl,omitempty"`
	AuthorizationCodeTTL int64 `json:"authorization_code_ttl,omitempty"`

	ClientName string    `json:"client_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsConfidential reports whether the client can keep a credential secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// AllowsGrantType reports whether grantType is in the client's allowed set.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsResponseType reports whether responseType is in the client's allowed set.
func (c *Client) AllowsResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// HasRedirectURI reports whether uri is registered for the client.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SecretExpired reports whether the client secret has expired at now.
func (c *Client) SecretExpired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && now.After(c.SecretExpiresAt)
}

// AuthorizationCode is issued by the code response type and redeemed once at
// the token endpoint.
type AuthorizationCode struct {
	Code          string   `json:"code"`
	ClientID      string   `json:"client_id"`
	ResourceOwner string   `json:"resource_owner"`
	Scopes        []string `json:"scopes"`

	// RedirectURI is the redirect URI the code was delivered to.
	RedirectURI string `json:"redirect_uri"`

	// RedirectURIProvided records whether redirect_uri was an explicit
	// parameter of the authorization request.
	RedirectURIProvided bool `json:"redirect_uri_provided"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// IssueRefreshToken controls whether the exchange also yields a refresh token.
	IssueRefreshToken bool `json:"issue_refresh_token"`

	// IssuedAccessToken is the access token issued from this code, if any.
	IssuedAccessToken string `json:"issued_access_token,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessToken is an issued bearer (or extension type) access token.
type AccessToken struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`

	// ResourceOwner is empty for client-only grants.
	ResourceOwner string   `json:"resource_owner,omitempty"`
	Scopes        []string `json:"scopes"`
	TokenType     string   `json:"token_type"`

	// Parameters carries extension response parameters (e.g. a MAC key).
	Parameters map[string]any `json:"parameters,omitempty"`

	// RefreshToken is the refresh token issued alongside, if any.
	RefreshToken string `json:"refresh_token,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is an issued refresh token. Rotated tokens share a ChainID.
type RefreshToken struct {
	Token         string   `json:"token"`
	ClientID      string   `json:"client_id"`
	ResourceOwner string   `json:"resource_owner,omitempty"`
	Scopes        []string `json:"scopes"`

	// ChainID links every refresh token of one rotation chain.
	ChainID string `json:"chain_id"`

	// ParentToken is the refresh token this one replaced.
	ParentToken string `json:"parent_token,omitempty"`

	// AccessToken is the access token issued alongside.
	AccessToken string `json:"access_token,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// ResourceOwner is an end user known to the server.
type ResourceOwner struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`

	// DisallowRefreshTokens stops refresh token issuance for this user.
	DisallowRefreshTokens bool `json:"disallow_refresh_tokens,omitempty"`
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Scopes = slices.Clone(c.Scopes)
	out.DefaultScopes = slices.Clone(c.DefaultScopes)
	return &out
}

// Clone returns a deep copy of the code.
func (a *AuthorizationCode) Clone() *AuthorizationCode {
	if a == nil {
		return nil
	}
	out := *a
	out.Scopes = slices.Clone(a.Scopes)
	return &out
}

// Clone returns a deep copy of the token. Parameters is copied one level deep.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	if t.Parameters != nil {
		out.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}

// Clone returns a deep copy of the token.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}
