package oauth

import (
	"net/http"

	"github.com/tadaszelvys/server-library-sub000/server"
)

// Default endpoint paths used by RegisterRoutes.
const (
	DefaultAuthorizationPath = "/oauth/authorize"
	DefaultTokenPath         = "/oauth/token"
	DefaultRevocationPath    = "/oauth/revoke"
	DefaultIntrospectionPath = "/oauth/introspect"
	MetadataPath             = "/.well-known/oauth-authorization-server"

	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
)

// ConsentResolver returns the resource owner's decision for an
// authorization request. Authentication of the resource owner and any
// consent screen are the host application's business; a resolver typically
// reads a session cookie. An error aborts the request with server_error.
type ConsentResolver func(r *http.Request) (server.Consent, error)

// Config holds the HTTP-layer settings of the handler. Protocol settings
// live in server.Config.
type Config struct {
	// Endpoint paths, relative to the issuer. Used for routing and for the
	// metadata document.
	AuthorizationPath string
	TokenPath         string
	RevocationPath    string
	IntrospectionPath string

	// ConsentResolver decides authorization requests. Without one every
	// request is denied with access_denied.
	ConsentResolver ConsentResolver

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For, X-Real-IP and
	// X-Forwarded-Proto headers.
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// CORS settings for browser-based clients
	CORS CORSConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs. Zero uses the default.
	MaxEntries int
}

// CORSConfig holds CORS settings for the token, revocation and
// introspection endpoints.
type CORSConfig struct {
	// AllowedOrigins lists the origins allowed to call the endpoints.
	// "*" allows every origin and is meant for development only.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds. Default: 3600
	MaxAge int
}

// DefaultConfig returns a Config with the default endpoint paths and no rate
// limiting.
func DefaultConfig() *Config {
	return applyDefaults(&Config{})
}

func applyDefaults(config *Config) *Config {
	if config.AuthorizationPath == "" {
		config.AuthorizationPath = DefaultAuthorizationPath
	}
	if config.TokenPath == "" {
		config.TokenPath = DefaultTokenPath
	}
	if config.RevocationPath == "" {
		config.RevocationPath = DefaultRevocationPath
	}
	if config.IntrospectionPath == "" {
		config.IntrospectionPath = DefaultIntrospectionPath
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = config.RateLimit.Rate * 2
	}
	if config.CORS.MaxAge == 0 {
		config.CORS.MaxAge = defaultCORSMaxAge
	}
	return config
}
