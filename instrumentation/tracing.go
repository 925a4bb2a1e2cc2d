package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. They carry metadata only; never set a token, code,
// assertion or secret value on a span.
const (
	AttrClientID         = "oauth.client_id"
	AttrClientType       = "oauth.client_type"
	AttrClientAuthMethod = "oauth.client_auth_method"
	AttrResourceOwner    = "oauth.resource_owner"
	AttrScope            = "oauth.scope"
	AttrGrantType        = "oauth.grant_type"
	AttrResponseType     = "oauth.response_type"
	AttrResponseMode     = "oauth.response_mode"
	AttrPKCEMethod       = "oauth.pkce.method"
	AttrTokenTypeHint    = "oauth.token_type_hint" //nolint:gosec // attribute name
	AttrTokenChainID     = "oauth.token.chain_id"  //nolint:gosec // attribute name
	AttrCodeReuse        = "oauth.code.reuse"
	AttrTokenReuse       = "oauth.token.reuse" //nolint:gosec // attribute name
	AttrError            = "oauth.error"
	AttrErrorDescription = "oauth.error_description"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"
	AttrStorageResult    = "storage.result"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the non-empty client, owner and scope attributes (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, resourceOwner, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if resourceOwner != "" {
		SetSpanAttributes(span, attribute.String(AttrResourceOwner, resourceOwner))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddOAuthErrorAttributes records an OAuth error code and description (nil-safe)
func AddOAuthErrorAttributes(span trace.Span, code, description string) {
	SetSpanAttributes(span,
		attribute.String(AttrError, code),
		attribute.String(AttrErrorDescription, description),
	)
	SetSpanError(span, code)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
