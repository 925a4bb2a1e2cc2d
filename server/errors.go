package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Error descriptions shared by several call paths. They are part of the
// observable behavior: unknown and foreign credentials must be reported
// with the same text.
const (
	descClientAuthFailed     = "Client authentication failed."
	descUnknownClient        = "The client is unknown."
	descMultipleClientAuth   = "Only one authentication method may be used to authenticate the client."
	descInsecureRequest      = "The request must be secured."
	descNotPost              = "The request must be a POST request."
	descGrantNotAllowed      = "The client is not allowed to use this grant type."
	descResponseNotAllowed   = "The client is not allowed to use this response type."
	descInvalidCode          = "Code doesn't exist or is invalid for the client."
	descCodeExpired          = "The authorization code has expired."
	descInvalidRefreshToken  = "Invalid refresh token"
	descRefreshTokenExpired  = "Refresh token has expired"
	descNotConfidential      = "The client is not a confidential client"
	descInvalidOwner         = "Invalid username and password combination"
	descAccessDenied         = "The resource owner denied the request."
	descNoRedirectURI        = "The client has no redirect URI registered."
	descRevocationAuth       = "Client authentication is required to revoke this token."
	descUnsupportedPKCE      = "Unsupported code challenge method."
	descNoScope              = "No scope was requested."
	descServerError          = "The authorization server encountered an unexpected condition."
	descAssertionEncrypted   = "The assertion must be encrypted."
	descAssertionUndecrypted = "The assertion cannot be decrypted."
	descAssertionAudience    = "Bad audience."
	descAssertionExpired     = "The assertion has expired."
	descAssertionInvalid     = "The assertion is invalid."
	descAssertionReplayed    = "The assertion has already been used."
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	URI         string // Optional link to a page describing the error
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithURI returns a copy of the error carrying uri as error_uri.
func (e *OAuthError) WithURI(uri string) *OAuthError {
	out := *e
	out.URI = uri
	return &out
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Constructors for every error of the taxonomy.
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the authorization code, refresh token or assertion is invalid
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client may not use the requested grant or response type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the resource owner denied the request. It is
	// normally delivered through a redirect.
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrUnsupportedResponseType indicates the response type is not supported
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded is produced by the HTTP layer only
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// AsOAuthError returns err as an *OAuthError. Errors that are not OAuth
// errors become a generic server_error so internal details never reach the
// client. A nil err returns nil.
func AsOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError(descServerError)
}

// MissingParameter reports a required request parameter that was absent.
func MissingParameter(name string) *OAuthError {
	return ErrInvalidRequest(fmt.Sprintf("Missing parameter %q.", name))
}

// InvalidParameter reports a request parameter with an unacceptable value.
func InvalidParameter(name string) *OAuthError {
	return ErrInvalidRequest(fmt.Sprintf("Invalid parameter %q.", name))
}

// parameterMismatch reports a parameter that does not match what was bound
// earlier in the flow, such as a redirect_uri differing from the one the
// code was issued for.
func parameterMismatch(name string) *OAuthError {
	return ErrInvalidRequest(fmt.Sprintf("The parameter %q is invalid.", name))
}

// quoteList renders values as "a", "b".
func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}
