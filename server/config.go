package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Scope policy names
const (
	ScopePolicyDefault = "default"
	ScopePolicyError   = "error"
)

// IssuerKeyResolver returns the verification keys of a trusted jwt-bearer
// assertion issuer. A nil set with a nil error means the issuer is unknown
// to the resolver.
type IssuerKeyResolver func(ctx context.Context, issuer string) (*jose.JSONWebKeySet, error)

// TokenParametersFunc returns extension parameters for an access token
// about to be issued, such as a MAC key. They are stored with the token and
// returned in the token response. The token must not be modified.
type TokenParametersFunc func(ctx context.Context, token *storage.AccessToken) map[string]any

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Client and
	// jwt-bearer assertions must name it in their audience.
	Issuer string

	// AssertionAudiences are additional audience values accepted in
	// assertions, typically the token endpoint URL.
	AssertionAudiences []string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// ClockSkewGracePeriod is the grace period for expiration checks of
	// codes, tokens and assertions (in seconds)
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes clients may be granted when the
	// client does not restrict them further. If empty, all scopes are allowed.
	SupportedScopes []string

	// DefaultScopes are granted when neither the request nor the client
	// names any scope.
	DefaultScopes []string

	// DefaultScopePolicy names the scope policy used for clients without one.
	// Default: "default"
	DefaultScopePolicy string

	// AllowInsecureHTTP accepts requests that did not arrive over TLS and a
	// plain-HTTP issuer.
	// WARNING: Only enable for local development
	AllowInsecureHTTP bool

	// DefaultPKCEMethod is assumed when a code_challenge is sent without a
	// code_challenge_method. RFC 7636 mandates "plain".
	DefaultPKCEMethod string // default: "plain"

	// RequirePKCEForPublicClients demands a code_challenge from every public
	// client, not just those flagged RequirePKCE.
	RequirePKCEForPublicClients bool

	// DisableRefreshTokenRotation turns off single-use refresh tokens. The
	// refresh grant then returns the presented token unchanged and a second
	// use is no longer treated as token theft.
	DisableRefreshTokenRotation bool

	// DisableRevocationCascade stops revocation and rotation from reaching
	// the paired token: revoking a refresh token leaves its access tokens
	// valid and vice versa.
	DisableRevocationCascade bool

	// IssueRefreshTokenWithClientCredentials lets the client_credentials
	// grant issue refresh tokens to clients allowed the refresh_token grant.
	IssueRefreshTokenWithClientCredentials bool

	// AllowUnauthenticatedRevocation accepts revocation requests carrying no
	// client credentials. Such requests can only ever revoke nothing: a token
	// that exists is reported as requiring authentication.
	AllowUnauthenticatedRevocation bool

	// RedirectURIExemptResponseTypes are response types a public client
	// without registered redirect URIs may still request.
	// Default: ["none"]
	RedirectURIExemptResponseTypes []string

	// RequireEncryptedAssertion demands that jwt-bearer grant assertions be
	// JWE-encrypted to AssertionDecryptionKey.
	RequireEncryptedAssertion bool

	// AssertionDecryptionKey is the private key (e.g. *rsa.PrivateKey,
	// *ecdsa.PrivateKey or a []byte for symmetric key wrapping) used to
	// decrypt JWE assertions.
	AssertionDecryptionKey any

	// TrustedIssuerKeys resolves the keys of jwt-bearer assertion issuers
	// that are not registered clients.
	TrustedIssuerKeys IssuerKeyResolver

	// TokenParameters, when set, is consulted for every access token issued.
	// Names of standard response parameters are ignored.
	TokenParameters TokenParametersFunc

	// ErrorURIBase, when set, fills error_uri of every error response with
	// <ErrorURIBase>#<error code>.
	ErrorURIBase string
}

// DefaultConfig returns a configuration with secure defaults applied.
func DefaultConfig() *Config {
	config := &Config{}
	applyTimeDefaults(config)
	applyProtocolDefaults(config)
	return config
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyProtocolDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

func applyProtocolDefaults(config *Config) {
	if config.DefaultScopePolicy == "" {
		config.DefaultScopePolicy = ScopePolicyDefault
	}
	if config.DefaultPKCEMethod == "" {
		config.DefaultPKCEMethod = PKCEMethodPlain
	}
	if config.RedirectURIExemptResponseTypes == nil {
		config.RedirectURIExemptResponseTypes = []string{ResponseTypeNone}
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: TLS is NOT required",
			"risk", "Credentials, codes and tokens can be intercepted in transit",
			"recommendation", "Set AllowInsecureHTTP=false outside of local development")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Set DisableRefreshTokenRotation=false",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc9700#section-4.14.2")
	}
	if config.DisableRevocationCascade {
		logger.Warn("SECURITY NOTICE: Revocation does not cascade between access and refresh tokens",
			"risk", "Revoking one token of a grant leaves the other usable",
			"recommendation", "Set DisableRevocationCascade=false")
	}
	if config.AllowUnauthenticatedRevocation {
		logger.Warn("SECURITY NOTICE: Unauthenticated revocation requests are accepted",
			"risk", "Callers can probe whether a token exists",
			"recommendation", "Set AllowUnauthenticatedRevocation=false")
	}
}

// gracePeriod returns the clock skew tolerance as a duration.
func (c *Config) gracePeriod() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
