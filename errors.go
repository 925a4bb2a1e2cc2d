package oauth

import "github.com/tadaszelvys/server-library-sub000/server"

// OAuthError is the error type of every OAuth failure.
type OAuthError = server.OAuthError

// OAuth error codes, re-exported so HTTP callers need a single import.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// Error constructors.
var (
	NewOAuthError              = server.NewOAuthError
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrUnauthorizedClient      = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrInvalidScope            = server.ErrInvalidScope
	ErrAccessDenied            = server.ErrAccessDenied
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrServerError             = server.ErrServerError
	ErrRateLimitExceeded       = server.ErrRateLimitExceeded
)
