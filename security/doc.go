// Package security provides the cross-cutting protections used by the
// authorization server: audit logging with hashed PII, per-identifier rate
// limiting, client IP and transport detection, response security headers,
// request correlation ids and AES-GCM encryption of secrets at rest.
//
// # Audit logging
//
// The Auditor emits one "security_audit" record per event. User identifiers
// are hashed before they reach the log; client ids are logged verbatim since
// they are public. Every event gets a lexically sortable ULID so records can
// be correlated across instances.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogEvent(security.Event{
//	    Type:     security.EventAuthorizationCodeReuseDetected,
//	    ClientID: clientID,
//	})
//
// # Rate limiting
//
// RateLimiter is a token bucket per identifier (usually the client IP) with
// LRU eviction so a distributed attack cannot grow it without bound.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Transport
//
// IsSecureRequest decides whether a request arrived over TLS. Forwarded
// protocol headers are only honoured when the deployment trusts its proxy.
package security
