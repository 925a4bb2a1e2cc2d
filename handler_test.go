package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
	"github.com/tadaszelvys/server-library-sub000/server"
	"github.com/tadaszelvys/server-library-sub000/storage"
	"github.com/tadaszelvys/server-library-sub000/storage/memory"
)

const testIssuer = "https://auth.example.com"

// approveAs grants every authorization request on behalf of owner.
func approveAs(owner string) ConsentResolver {
	return func(*http.Request) (server.Consent, error) {
		return server.Consent{ResourceOwner: owner, Granted: true}, nil
	}
}

func setupTestHandler(t *testing.T, config *Config) (*Handler, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	serverConfig := server.DefaultConfig()
	serverConfig.Issuer = testIssuer
	serverConfig.AllowInsecureHTTP = true
	serverConfig.SupportedScopes = []string{"read", "write"}

	srv, err := server.New(store, store, serverConfig, slog.Default(),
		server.WithResourceOwnerStore(store),
		server.WithAssertionReplayStore(store))
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	fooClient := testutil.PublicClient("foo", "http://example.com/test?good=false")
	fooClient.GrantTypes = []string{server.GrantTypeAuthorizationCode}
	for _, client := range []*storage.Client{
		fooClient,
		testutil.ConfidentialClient(t, "conf", "s3cret", "https://app.example.com/callback"),
	} {
		if err := store.SaveClient(context.Background(), client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	handler := NewHandler(srv, config, slog.Default())
	t.Cleanup(handler.Close)
	return handler, store
}

func postForm(target string, form url.Values) *http.Request {
	return testutil.NewFormRequest(http.MethodPost, target, form, false)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, body = %s", err, w.Body.String())
	}
	return body
}

func wantErrorBody(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if got := decodeJSON(t, w)["error"]; got != code {
		t.Errorf("error = %v, want %s", got, code)
	}
}

// clientCredentialsToken issues an access token to the confidential client.
func clientCredentialsToken(t *testing.T, handler *Handler) string {
	t.Helper()
	req := postForm(DefaultTokenPath, url.Values{"grant_type": {"client_credentials"}, "scope": {"read"}})
	req.SetBasicAuth("conf", "s3cret")
	w := httptest.NewRecorder()
	handler.ServeToken(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ServeToken() status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeJSON(t, w)["access_token"].(string)
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{ConsentResolver: approveAs("alice")})

	w := httptest.NewRecorder()
	handler.ServeAuthorization(w, httptest.NewRequest(http.MethodGet, DefaultAuthorizationPath+"?client_id=foo&response_type=code", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("ServeAuthorization() status = %d, want 302 (body %s)", w.Code, w.Body.String())
	}

	location := w.Header().Get("Location")
	pattern := regexp.MustCompile(`^http://example\.com/test\?good=false&code=[^"]+$`)
	if !pattern.MatchString(location) {
		t.Fatalf("Location = %q, does not match %s", location, pattern)
	}
	redirect, err := url.Parse(location)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	code := redirect.Query().Get("code")

	exchange := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"foo"},
		"redirect_uri": {"http://example.com/test?good=false"},
	}

	w = httptest.NewRecorder()
	handler.ServeToken(w, postForm(DefaultTokenPath, exchange))
	if w.Code != http.StatusOK {
		t.Fatalf("ServeToken() status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{`"access_token"`, `"token_type":"Bearer"`, `"scope"`} {
		if !strings.Contains(body, want) {
			t.Errorf("token response missing %s: %s", want, body)
		}
	}
	if got := w.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	w = httptest.NewRecorder()
	handler.ServeToken(w, postForm(DefaultTokenPath, exchange))
	wantErrorBody(t, w, http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestHandler_AuthorizationDenied(t *testing.T) {
	tests := []struct {
		name     string
		resolver ConsentResolver
	}{
		{name: "no resolver", resolver: nil},
		{name: "declined", resolver: func(*http.Request) (server.Consent, error) { return server.Consent{}, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := setupTestHandler(t, &Config{ConsentResolver: tt.resolver})

			w := httptest.NewRecorder()
			handler.ServeAuthorization(w, httptest.NewRequest(http.MethodGet, DefaultAuthorizationPath+"?client_id=foo&response_type=code&state=xyz", nil))
			if w.Code != http.StatusFound {
				t.Fatalf("status = %d, want 302", w.Code)
			}
			redirect, err := url.Parse(w.Header().Get("Location"))
			if err != nil {
				t.Fatalf("url.Parse() error = %v", err)
			}
			query := redirect.Query()
			if query.Get("error") != ErrorCodeAccessDenied || query.Get("state") != "xyz" {
				t.Errorf("redirect query = %v", query)
			}
		})
	}
}

func TestHandler_AuthorizationDirectErrors(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{ConsentResolver: approveAs("alice")})

	tests := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{name: "missing client", query: "response_type=code", status: http.StatusBadRequest, code: ErrorCodeInvalidRequest},
		{name: "unknown client", query: "client_id=nobody&response_type=code", status: http.StatusUnauthorized, code: ErrorCodeInvalidClient},
		{name: "unregistered redirect", query: "client_id=foo&response_type=code&redirect_uri=https%3A%2F%2Fevil.example.com%2F", status: http.StatusBadRequest, code: ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeAuthorization(w, httptest.NewRequest(http.MethodGet, DefaultAuthorizationPath+"?"+tt.query, nil))
			if loc := w.Header().Get("Location"); loc != "" {
				t.Errorf("Location = %q, direct errors must not redirect", loc)
			}
			wantErrorBody(t, w, tt.status, tt.code)
		})
	}
}

func TestHandler_AuthorizationConsentError(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{
		ConsentResolver: func(*http.Request) (server.Consent, error) {
			return server.Consent{}, errors.New("session backend down")
		},
	})

	w := httptest.NewRecorder()
	handler.ServeAuthorization(w, httptest.NewRequest(http.MethodGet, DefaultAuthorizationPath+"?client_id=foo&response_type=code", nil))
	wantErrorBody(t, w, http.StatusInternalServerError, ErrorCodeServerError)
	if strings.Contains(w.Body.String(), "session backend") {
		t.Error("internal error details must not reach the client")
	}
}

func TestHandler_AuthorizationFormPost(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{ConsentResolver: approveAs("alice")})

	w := httptest.NewRecorder()
	handler.ServeAuthorization(w, httptest.NewRequest(http.MethodGet,
		DefaultAuthorizationPath+"?client_id=foo&response_type=code&response_mode=form_post", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", got)
	}
	csp := w.Header().Get("Content-Security-Policy")
	match := regexp.MustCompile(`'nonce-([^']+)'`).FindStringSubmatch(csp)
	if match == nil {
		t.Fatalf("Content-Security-Policy = %q, want a script nonce", csp)
	}
	body := w.Body.String()
	if !strings.Contains(body, `nonce="`+match[1]+`"`) {
		t.Errorf("form body does not use the CSP nonce:\n%s", body)
	}
	if !strings.Contains(body, `name="code"`) {
		t.Errorf("form body missing code:\n%s", body)
	}
}

func TestHandler_AuthorizationFormPostNativeRedirect(t *testing.T) {
	handler, store := setupTestHandler(t, &Config{ConsentResolver: approveAs("alice")})
	if err := store.SaveClient(context.Background(), testutil.PublicClient("native", "com.example.app:/callback")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	w := httptest.NewRecorder()
	handler.ServeAuthorization(w, httptest.NewRequest(http.MethodGet,
		DefaultAuthorizationPath+"?client_id=native&response_type=code&response_mode=form_post", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, `action="com.example.app:/callback"`) {
		t.Errorf("form should post to the native redirect:\n%s", body)
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "form-action com.example.app:;") {
		t.Errorf("Content-Security-Policy = %q, should admit the native scheme", csp)
	}
}

func TestHandler_TokenExtensionParameters(t *testing.T) {
	handler, store := setupTestHandler(t, nil)
	handler.server.Config.TokenParameters = func(_ context.Context, token *storage.AccessToken) map[string]any {
		return map[string]any{"mac_key": "k3y", "mac_algorithm": "hmac-sha-256", "token_type": "mac"}
	}

	req := postForm(DefaultTokenPath, url.Values{"grant_type": {"client_credentials"}})
	req.SetBasicAuth("conf", "s3cret")
	w := httptest.NewRecorder()
	handler.ServeToken(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ServeToken() status = %d, body = %s", w.Code, w.Body.String())
	}

	body := decodeJSON(t, w)
	if body["mac_key"] != "k3y" || body["mac_algorithm"] != "hmac-sha-256" {
		t.Errorf("token response = %v, want the MAC parameters", body)
	}
	if body["token_type"] != server.TokenTypeBearer {
		t.Errorf("token_type = %v, want %v", body["token_type"], server.TokenTypeBearer)
	}

	access, err := store.GetAccessToken(context.Background(), body["access_token"].(string))
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if access.Parameters["mac_key"] != "k3y" {
		t.Errorf("stored Parameters = %v, want mac_key", access.Parameters)
	}
}

func TestHandler_TokenErrors(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	t.Run("unsupported grant type", func(t *testing.T) {
		req := postForm(DefaultTokenPath, url.Values{"grant_type": {"magic"}})
		req.SetBasicAuth("conf", "s3cret")
		w := httptest.NewRecorder()
		handler.ServeToken(w, req)
		wantErrorBody(t, w, http.StatusBadRequest, ErrorCodeUnsupportedGrantType)
	})

	t.Run("basic challenge on failed client auth", func(t *testing.T) {
		req := postForm(DefaultTokenPath, url.Values{"grant_type": {"client_credentials"}})
		req.SetBasicAuth("conf", "wrong")
		w := httptest.NewRecorder()
		handler.ServeToken(w, req)
		wantErrorBody(t, w, http.StatusUnauthorized, ErrorCodeInvalidClient)
		if got := w.Header().Get("WWW-Authenticate"); got != `Basic realm="oauth"` {
			t.Errorf("WWW-Authenticate = %q", got)
		}
	})

	t.Run("no challenge without basic auth", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeToken(w, postForm(DefaultTokenPath, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"conf"},
			"client_secret": {"wrong"},
		}))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if got := w.Header().Get("WWW-Authenticate"); got != "" {
			t.Errorf("WWW-Authenticate = %q, want none", got)
		}
	})
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	tests := []struct {
		name      string
		serve     http.HandlerFunc
		method    string
		wantAllow string
	}{
		{name: "token GET", serve: handler.ServeToken, method: http.MethodGet, wantAllow: "POST"},
		{name: "introspect GET", serve: handler.ServeTokenIntrospection, method: http.MethodGet, wantAllow: "POST"},
		{name: "revoke PUT", serve: handler.ServeTokenRevocation, method: http.MethodPut, wantAllow: "GET, POST"},
		{name: "authorize DELETE", serve: handler.ServeAuthorization, method: http.MethodDelete, wantAllow: "GET, POST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.serve(w, httptest.NewRequest(tt.method, "/", nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", w.Code)
			}
			if got := w.Header().Get("Allow"); got != tt.wantAllow {
				t.Errorf("Allow = %q, want %q", got, tt.wantAllow)
			}
		})
	}

	w := httptest.NewRecorder()
	handler.ServeAuthorizationServerMetadata(w, httptest.NewRequest(http.MethodPost, MetadataPath, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("metadata POST status = %d, want 405", w.Code)
	}
}

func TestHandler_Revocation(t *testing.T) {
	handler, store := setupTestHandler(t, nil)
	token := clientCredentialsToken(t, handler)

	t.Run("unknown token", func(t *testing.T) {
		req := postForm(DefaultRevocationPath, url.Values{"token": {"no-such-token"}})
		req.SetBasicAuth("conf", "s3cret")
		w := httptest.NewRecorder()
		handler.ServeTokenRevocation(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("body = %q, want empty", w.Body.String())
		}
	})

	t.Run("revokes", func(t *testing.T) {
		req := postForm(DefaultRevocationPath, url.Values{"token": {token}, "token_type_hint": {"access_token"}})
		req.SetBasicAuth("conf", "s3cret")
		w := httptest.NewRecorder()
		handler.ServeTokenRevocation(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		stored, err := store.GetAccessToken(context.Background(), token)
		if err != nil {
			t.Fatalf("GetAccessToken() error = %v", err)
		}
		if !stored.Revoked {
			t.Error("token should be revoked")
		}
	})

	t.Run("jsonp success", func(t *testing.T) {
		req := testutil.NewFormRequest(http.MethodGet, DefaultRevocationPath, url.Values{
			"token":    {"no-such-token"},
			"callback": {"app.revoked"},
		}, false)
		req.SetBasicAuth("conf", "s3cret")
		w := httptest.NewRecorder()
		handler.ServeTokenRevocation(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		if got := w.Body.String(); got != "app.revoked()" {
			t.Errorf("body = %q, want %q", got, "app.revoked()")
		}
		if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "application/javascript") {
			t.Errorf("Content-Type = %q", got)
		}
	})

	t.Run("jsonp error", func(t *testing.T) {
		req := testutil.NewFormRequest(http.MethodGet, DefaultRevocationPath, url.Values{
			"callback": {"cb"},
		}, false)
		req.SetBasicAuth("conf", "s3cret")
		w := httptest.NewRecorder()
		handler.ServeTokenRevocation(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		body := w.Body.String()
		if !strings.HasPrefix(body, "cb({") || !strings.Contains(body, `"error":"invalid_request"`) {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("invalid callback", func(t *testing.T) {
		req := testutil.NewFormRequest(http.MethodGet, DefaultRevocationPath, url.Values{
			"token":    {"no-such-token"},
			"callback": {"alert(1);x"},
		}, false)
		req.SetBasicAuth("conf", "s3cret")
		w := httptest.NewRecorder()
		handler.ServeTokenRevocation(w, req)
		wantErrorBody(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
		if strings.Contains(w.Body.String(), "alert(1)") {
			t.Error("callback must not be echoed")
		}
	})
}

func TestHandler_Introspection(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)
	token := clientCredentialsToken(t, handler)

	tests := []struct {
		name       string
		token      string
		wantActive bool
	}{
		{name: "active", token: token, wantActive: true},
		{name: "unknown", token: "no-such-token", wantActive: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postForm(DefaultIntrospectionPath, url.Values{"token": {tt.token}})
			req.SetBasicAuth("conf", "s3cret")
			w := httptest.NewRecorder()
			handler.ServeTokenIntrospection(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}

			var got IntrospectionResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("json.Unmarshal() error = %v", err)
			}
			if got.Active != tt.wantActive {
				t.Errorf("Active = %v, want %v", got.Active, tt.wantActive)
			}
			if tt.wantActive && (got.ClientID != "conf" || got.Scope != "read") {
				t.Errorf("introspection = %+v", got)
			}
		})
	}

	w := httptest.NewRecorder()
	handler.ServeTokenIntrospection(w, postForm(DefaultIntrospectionPath, url.Values{"token": {token}}))
	wantErrorBody(t, w, http.StatusUnauthorized, ErrorCodeInvalidClient)
}

func TestHandler_Metadata(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	w := httptest.NewRecorder()
	handler.ServeAuthorizationServerMetadata(w, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "" {
		t.Errorf("Cache-Control = %q, metadata should be cacheable", got)
	}

	var meta AuthorizationServerMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &meta); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if meta.Issuer != testIssuer {
		t.Errorf("Issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != testIssuer+DefaultTokenPath {
		t.Errorf("TokenEndpoint = %q", meta.TokenEndpoint)
	}
	if meta.RevocationEndpoint != testIssuer+DefaultRevocationPath {
		t.Errorf("RevocationEndpoint = %q", meta.RevocationEndpoint)
	}
	if meta.IntrospectionEndpoint != testIssuer+DefaultIntrospectionPath {
		t.Errorf("IntrospectionEndpoint = %q", meta.IntrospectionEndpoint)
	}
	if !contains(meta.CodeChallengeMethodsSupported, server.PKCEMethodS256) {
		t.Errorf("CodeChallengeMethodsSupported = %v", meta.CodeChallengeMethodsSupported)
	}
	for _, grant := range []string{server.GrantTypeAuthorizationCode, server.GrantTypeClientCredentials, server.GrantTypePassword, server.GrantTypeRefreshToken} {
		if !contains(meta.GrantTypesSupported, grant) {
			t.Errorf("GrantTypesSupported = %v, missing %s", meta.GrantTypesSupported, grant)
		}
	}
	if len(meta.ScopesSupported) != 2 {
		t.Errorf("ScopesSupported = %v", meta.ScopesSupported)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}})

	form := url.Values{"grant_type": {"client_credentials"}}
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := postForm(DefaultTokenPath, form)
		req.SetBasicAuth("conf", "s3cret")
		last = httptest.NewRecorder()
		handler.ServeToken(last, req)
	}

	wantErrorBody(t, last, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
	if got := last.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestHandler_CORS(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{name: "allowed", origin: "https://app.example.com", wantOrigin: "https://app.example.com"},
		{name: "disallowed", origin: "https://evil.example.com", wantOrigin: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, DefaultTokenPath, nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if w.Header().Get("X-Request-ID") == "" {
				t.Error("routes should carry a request ID")
			}
		})
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	handler, _ := setupTestHandler(t, &Config{TokenPath: "/token"})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	for _, path := range []string{DefaultAuthorizationPath, "/token", DefaultRevocationPath, DefaultIntrospectionPath, MetadataPath} {
		_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, path, nil))
		if pattern == "" {
			t.Errorf("no route registered for %s", path)
		}
	}

	if got := handler.Metadata().TokenEndpoint; got != testIssuer+"/token" {
		t.Errorf("TokenEndpoint = %q, want custom path", got)
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
