package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant issues an access token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventTokenChainRevoked is logged when a whole refresh token chain is revoked
	EventTokenChainRevoked = "token_chain_revoked" //nolint:gosec // G101: event name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when the code response type issues a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the resource owner denies consent
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventAssertionReplayDetected is logged when a JWT assertion jti is reused
	EventAssertionReplayDetected = "assertion_replay_detected"

	// Security violation events

	// EventAuthFailure is logged when resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a used refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh requests scopes beyond the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventInsecureTransport is logged when a request arrives without TLS
	EventInsecureTransport = "insecure_transport"
)
