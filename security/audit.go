package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	ID        string
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. It is a no-op on a nil or
// disabled auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a grant issues a token
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string, cascade bool) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"cascade":    cascade,
		},
	})
}

// LogClientAuthFailure logs a failed client authentication
func (a *Auditor) LogClientAuthFailure(clientID, ipAddress, method, reason string) {
	a.LogEvent(Event{
		Type:      EventClientAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
			"reason": reason,
		},
	})
}

// LogAuthFailure logs a resource owner authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
