package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/server"
)

// jsonpCallbackPattern restricts JSONP callback names to JavaScript
// identifiers and member expressions.
var jsonpCallbackPattern = regexp.MustCompile(`^[A-Za-z_$][0-9A-Za-z_$.]*$`)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server      *server.Server
	config      *Config
	logger      *slog.Logger
	tracer      trace.Tracer
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. A nil config uses DefaultConfig.
// Call Close to stop the rate limiter's cleanup goroutine.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}
	config = applyDefaults(config)

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	} else {
		h.tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiterWithConfig(config.RateLimit.Rate, config.RateLimit.Burst, config.RateLimit.MaxEntries, logger)
	}

	if config.TrustProxy {
		logger.Warn("SECURITY WARNING: Proxy headers are trusted",
			"risk", "Client IPs and the transport security check can be spoofed without a trusted proxy",
			"recommendation", "Only enable TrustProxy behind a reverse proxy that overwrites forwarding headers",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return h
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers every endpoint on mux under the configured paths.
// Each route gets a request ID and answers CORS preflight requests.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		h.config.AuthorizationPath: h.ServeAuthorization,
		h.config.TokenPath:         h.ServeToken,
		h.config.RevocationPath:    h.ServeTokenRevocation,
		h.config.IntrospectionPath: h.ServeTokenIntrospection,
		MetadataPath:               h.ServeAuthorizationServerMetadata,
	}
	for path, serve := range routes {
		mux.Handle(path, security.RequestIDMiddleware(h.withPreflight(serve)))
	}
}

func (h *Handler) withPreflight(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.ServePreflightRequest(w, r)
			return
		}
		next(w, r)
	}
}

// ============================================================
// Endpoints
// ============================================================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	if r.Method != http.MethodPost {
		h.methodNotAllowed(ctx, w, r, "token", start, http.MethodPost)
		return
	}

	h.setCORSHeaders(w, r)
	if h.checkRateLimit(ctx, w, r, "token") {
		h.observe(ctx, span, "token", r.Method, http.StatusTooManyRequests, start)
		return
	}

	req, err := server.NewTokenRequest(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeError(w, server.ErrInvalidRequest("The request body could not be parsed."), false)
		h.observe(ctx, span, "token", r.Method, status, start)
		return
	}

	set, err := h.server.Token(ctx, req)
	if err != nil {
		status := h.writeError(w, server.AsOAuthError(err), req.BasicAuth.Present)
		h.observe(ctx, span, "token", r.Method, status, start)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, set.Parameters())
	h.observe(ctx, span, "token", r.Method, http.StatusOK, start)
}

// ServeAuthorization handles OAuth authorization requests. The resource
// owner's decision comes from Config.ConsentResolver.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()
	r = r.WithContext(ctx)

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(ctx, w, r, "authorization", start, http.MethodGet, http.MethodPost)
		return
	}

	req, err := server.NewAuthorizeRequest(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeError(w, server.ErrInvalidRequest("The request body could not be parsed."), false)
		h.observe(ctx, span, "authorization", r.Method, status, start)
		return
	}

	consent, err := h.resolveConsent(r)
	if err != nil {
		h.logger.Error("Failed to resolve consent",
			"client_id", req.ClientID,
			"request_id", security.GetRequestID(ctx),
			"error", err)
		instrumentation.RecordError(span, err)
		status := h.writeError(w, server.AsOAuthError(err), false)
		h.observe(ctx, span, "authorization", r.Method, status, start)
		return
	}

	resp, err := h.server.Authorize(ctx, req, consent)
	if err != nil {
		// No safe redirect target: the error goes to the user agent.
		status := h.writeError(w, server.AsOAuthError(err), false)
		h.observe(ctx, span, "authorization", r.Method, status, start)
		return
	}

	status := h.writeAuthorizeResponse(w, r, resp)
	h.observe(ctx, span, "authorization", r.Method, status, start)
}

func (h *Handler) resolveConsent(r *http.Request) (server.Consent, error) {
	if h.config.ConsentResolver == nil {
		h.logger.Debug("No consent resolver configured, denying authorization request")
		return server.Consent{}, nil
	}
	return h.config.ConsentResolver(r)
}

// writeAuthorizeResponse delivers an authorization response through the
// redirect URI, a form_post page, or, for response types without a redirect
// target, as JSON.
func (h *Handler) writeAuthorizeResponse(w http.ResponseWriter, r *http.Request, resp *server.AuthorizeResponse) int {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	switch {
	case resp.RedirectURI == "":
		status := http.StatusOK
		if resp.Err != nil {
			status = resp.Err.Status
		}
		params := make(map[string]string, len(resp.Params))
		for name := range resp.Params {
			params[name] = resp.Params.Get(name)
		}
		h.writeJSON(w, status, params)
		return status

	case resp.Mode == server.ResponseModeFormPost:
		nonce := oauth2.GenerateVerifier()
		var page bytes.Buffer
		if err := resp.WriteFormPost(&page, nonce); err != nil {
			h.logger.Error("Failed to render form_post response", "error", err)
			return h.writeError(w, server.AsOAuthError(err), false)
		}
		security.SetFormPostHeaders(w, nonce, resp.RedirectURI)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(page.Bytes()); err != nil {
			h.logger.Error("Failed to write response", "error", err)
		}
		return http.StatusOK

	default:
		http.Redirect(w, r, resp.Location(), http.StatusFound)
		return http.StatusFound
	}
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// A valid "callback" parameter wraps the response for JSONP callers.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_revocation")
	defer span.End()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(ctx, w, r, "revoke", start, http.MethodGet, http.MethodPost)
		return
	}

	h.setCORSHeaders(w, r)
	if h.checkRateLimit(ctx, w, r, "revoke") {
		h.observe(ctx, span, "revoke", r.Method, http.StatusTooManyRequests, start)
		return
	}

	req, err := server.NewTokenRequest(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeError(w, server.ErrInvalidRequest("The request body could not be parsed."), false)
		h.observe(ctx, span, "revoke", r.Method, status, start)
		return
	}

	callback := req.Get("callback")
	if callback == "" {
		callback = r.URL.Query().Get("callback")
	}
	if callback != "" && !jsonpCallbackPattern.MatchString(callback) {
		status := h.writeError(w, server.InvalidParameter("callback"), false)
		h.observe(ctx, span, "revoke", r.Method, status, start)
		return
	}

	if err := h.server.Revoke(ctx, req); err != nil {
		oauthErr := server.AsOAuthError(err)
		status := oauthErr.Status
		if callback != "" {
			// Script-tag callers cannot see the status; the error goes
			// into the callback body instead.
			status = h.writeJSONP(w, callback, newErrorResponse(oauthErr))
		} else {
			status = h.writeError(w, oauthErr, req.BasicAuth.Present)
		}
		h.observe(ctx, span, "revoke", r.Method, status, start)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if callback != "" {
		h.writeJSONP(w, callback, nil)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	h.observe(ctx, span, "revoke", r.Method, http.StatusOK, start)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint
// Security: Requires client authentication to prevent token scanning attacks
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_introspection")
	defer span.End()

	if r.Method != http.MethodPost {
		h.methodNotAllowed(ctx, w, r, "introspect", start, http.MethodPost)
		return
	}

	h.setCORSHeaders(w, r)
	if h.checkRateLimit(ctx, w, r, "introspect") {
		h.observe(ctx, span, "introspect", r.Method, http.StatusTooManyRequests, start)
		return
	}

	req, err := server.NewTokenRequest(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeError(w, server.ErrInvalidRequest("The request body could not be parsed."), false)
		h.observe(ctx, span, "introspect", r.Method, status, start)
		return
	}

	result, err := h.server.Introspect(ctx, req)
	if err != nil {
		status := h.writeError(w, server.AsOAuthError(err), req.BasicAuth.Present)
		h.observe(ctx, span, "introspect", r.Method, status, start)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, result)
	h.observe(ctx, span, "introspect", r.Method, http.StatusOK, start)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(r.Context(), w, r, "metadata") {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	// The document is public and may be cached.
	w.Header().Del("Cache-Control")
	w.Header().Del("Pragma")

	h.writeJSON(w, http.StatusOK, h.Metadata())
}

// Metadata builds the RFC 8414 authorization server metadata from the
// registries of the server.
func (h *Handler) Metadata() AuthorizationServerMetadata {
	caps := h.server.Capabilities()
	return AuthorizationServerMetadata{
		Issuer:                                     h.server.Config.Issuer,
		AuthorizationEndpoint:                      h.endpointURL(h.config.AuthorizationPath),
		TokenEndpoint:                              h.endpointURL(h.config.TokenPath),
		ScopesSupported:                            caps.Scopes,
		ResponseTypesSupported:                     caps.ResponseTypes,
		ResponseModesSupported:                     caps.ResponseModes,
		GrantTypesSupported:                        caps.GrantTypes,
		TokenEndpointAuthMethodsSupported:          caps.ClientAuthMethods,
		TokenEndpointAuthSigningAlgValuesSupported: caps.AssertionSigningAlg,
		CodeChallengeMethodsSupported:              caps.PKCEMethods,
		RevocationEndpoint:                         h.endpointURL(h.config.RevocationPath),
		IntrospectionEndpoint:                      h.endpointURL(h.config.IntrospectionPath),
	}
}

func (h *Handler) endpointURL(path string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + path
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// Response writing
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

// writeError writes err as a JSON error response and returns the status.
// Clients that tried HTTP Basic get a Basic challenge on 401 (RFC 6749
// section 5.2).
func (h *Handler) writeError(w http.ResponseWriter, err *OAuthError, basicAttempted bool) int {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	status := err.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status == http.StatusUnauthorized && basicAttempted {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}

	h.writeJSON(w, status, newErrorResponse(err))
	return status
}

// writeJSONP writes callback(body) with status 200. A nil body yields an
// empty call.
func (h *Handler) writeJSONP(w http.ResponseWriter, callback string, body any) int {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			h.logger.Error("Failed to encode JSONP body", "error", err)
		}
		payload = encoded
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "%s(%s)", callback, payload); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
	return http.StatusOK
}

func (h *Handler) methodNotAllowed(ctx context.Context, w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, allowed ...string) {
	h.observe(ctx, trace.SpanFromContext(ctx), endpoint, r.Method, http.StatusMethodNotAllowed, start)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// ============================================================
// Rate limiting, CORS, metrics
// ============================================================

// checkRateLimit checks if the client IP is rate limited. Returns true if
// limited, in which case the response has been written.
func (h *Handler) checkRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return false
	}
	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if inst := h.server.Instrumentation; inst != nil && inst.ShouldLogClientIPs() {
		instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.String("client.address", clientIP))
	}
	h.metrics().RecordRateLimitExceeded(ctx, endpoint)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, server.ErrRateLimitExceeded("Rate limit exceeded. Please try again later."), false)
	return true
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", h.config.CORS.MaxAge))
}

// isAllowedOrigin supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

// observe records the outcome of a request on its span and in the HTTP
// metrics.
func (h *Handler) observe(ctx context.Context, span trace.Span, endpoint, method string, status int, start time.Time) {
	instrumentation.AddHTTPAttributes(span, method, endpoint, status)
	if requestID := security.GetRequestID(ctx); requestID != "" {
		instrumentation.SetSpanAttributes(span, attribute.String("http.request_id", requestID))
	}
	if status < http.StatusBadRequest {
		instrumentation.SetSpanSuccess(span)
	} else {
		instrumentation.SetSpanError(span, http.StatusText(status))
	}

	duration := time.Since(start).Seconds() * 1000 // milliseconds
	h.metrics().RecordHTTPRequest(ctx, endpoint, method, status, duration)
}
