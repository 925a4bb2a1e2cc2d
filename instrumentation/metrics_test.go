package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_RecordWithNoopProvider(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m := inst.Metrics()
	ctx := context.Background()

	// None of these may panic with the noop provider.
	m.RecordHTTPRequest(ctx, "token", "POST", 200, 1.5)
	m.RecordGrantIssued(ctx, "authorization_code")
	m.RecordGrantFailed(ctx, "refresh_token", "invalid_grant")
	m.RecordAuthorization(ctx, "code", "success")
	m.RecordClientAuthFailed(ctx, "client_secret_basic")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordCodeReuseDetected(ctx)
	m.RecordRefreshReuseDetected(ctx)
	m.RecordTokenRevoked(ctx, "access_token")
	m.RecordRateLimitExceeded(ctx, "token")
	m.RecordStorageOperation(ctx, "save_client", "success", 0.2)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "token", "POST", 200, 1.5)
	m.RecordGrantIssued(ctx, "password")
	m.RecordGrantFailed(ctx, "password", "invalid_grant")
	m.RecordAuthorization(ctx, "token", "denied")
	m.RecordClientAuthFailed(ctx, "none")
	m.RecordPKCEValidationFailed(ctx, "plain")
	m.RecordCodeReuseDetected(ctx)
	m.RecordRefreshReuseDetected(ctx)
	m.RecordTokenRevoked(ctx, "refresh_token")
	m.RecordRateLimitExceeded(ctx, "revoke")
	m.RecordStorageOperation(ctx, "get_client", "error", 0.1)
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m := inst.Metrics()

	checks := map[string]any{
		"HTTPRequestsTotal":        m.HTTPRequestsTotal,
		"HTTPRequestDuration":      m.HTTPRequestDuration,
		"GrantIssued":              m.GrantIssued,
		"GrantFailed":              m.GrantFailed,
		"AuthorizationCompleted":   m.AuthorizationCompleted,
		"ClientAuthFailed":         m.ClientAuthFailed,
		"PKCEValidationFailed":     m.PKCEValidationFailed,
		"CodeReuseDetected":        m.CodeReuseDetected,
		"RefreshReuseDetected":     m.RefreshReuseDetected,
		"TokenRevoked":             m.TokenRevoked,
		"RateLimitExceeded":        m.RateLimitExceeded,
		"StorageOperationTotal":    m.StorageOperationTotal,
		"StorageOperationDuration": m.StorageOperationDuration,
	}
	for name, instrument := range checks {
		if instrument == nil {
			t.Errorf("%s is nil", name)
		}
	}
}
