package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the library
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grants
	GrantIssued            metric.Int64Counter
	GrantFailed            metric.Int64Counter
	AuthorizationCompleted metric.Int64Counter

	// Security
	ClientAuthFailed     metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  metric.Meter
	name   string
	desc   string
	unit   string
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.GrantIssued, serverMeter, "oauth.grant.issued", "Number of successful token grants", "{grant}"},
		{&m.GrantFailed, serverMeter, "oauth.grant.failed", "Number of failed token grants", "{grant}"},
		{&m.AuthorizationCompleted, serverMeter, "oauth.authorization.completed", "Number of completed authorization requests", "{request}"},
		{&m.ClientAuthFailed, securityMeter, "oauth.client_auth.failed", "Number of failed client authentications", "{failure}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of failed PKCE verifications", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Number of authorization code replays", "{event}"},
		{&m.RefreshReuseDetected, securityMeter, "oauth.refresh_token.reuse_detected", "Number of refresh token replays", "{event}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request and its duration (nil-safe)
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint, method string, status int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method),
		attribute.Int("status", status),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordGrantIssued records a successful grant (nil-safe)
func (m *Metrics) RecordGrantIssued(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.GrantIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordGrantFailed records a failed grant with its OAuth error code (nil-safe)
func (m *Metrics) RecordGrantFailed(ctx context.Context, grantType, errorCode string) {
	if m == nil {
		return
	}
	m.GrantFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

// RecordAuthorization records the outcome of an authorization request (nil-safe)
func (m *Metrics) RecordAuthorization(ctx context.Context, responseType, result string) {
	if m == nil {
		return
	}
	m.AuthorizationCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("response_type", responseType),
		attribute.String("result", result),
	))
}

// RecordClientAuthFailed records a failed client authentication (nil-safe)
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordPKCEValidationFailed records a failed PKCE verification (nil-safe)
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an authorization code replay (nil-safe)
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a refresh token replay (nil-safe)
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordTokenRevoked records a revocation (nil-safe)
func (m *Metrics) RecordTokenRevoked(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordRateLimitExceeded records a rate limit violation (nil-safe)
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordStorageOperation records a storage operation and its duration (nil-safe)
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
