package security

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{name: "https issuer", issuer: "https://auth.example.com", wantHSTS: true},
		{name: "http issuer", issuer: "http://localhost:8080", wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.issuer)

			if got := w.Header().Get("Cache-Control"); got != "no-store, private" {
				t.Errorf("Cache-Control = %q, want %q", got, "no-store, private")
			}
			if got := w.Header().Get("Pragma"); got != "no-cache" {
				t.Errorf("Pragma = %q, want no-cache", got)
			}
			if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
			if hasHSTS := w.Header().Get("Strict-Transport-Security") != ""; hasHSTS != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", hasHSTS, tt.wantHSTS)
			}
		})
	}
}

func TestSetFormPostHeaders(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		wantSource string
	}{
		{name: "web redirect", action: "https://app.example.com/callback?x=1", wantSource: "form-action https://app.example.com;"},
		{name: "loopback port", action: "http://127.0.0.1:8400/cb", wantSource: "form-action http://127.0.0.1:8400;"},
		{name: "native app scheme", action: "com.example.app:/callback", wantSource: "form-action com.example.app:;"},
		{name: "unparsable", action: "://", wantSource: "form-action 'none';"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetFormPostHeaders(w, "abc123", tt.action)

			csp := w.Header().Get("Content-Security-Policy")
			if !strings.Contains(csp, "'nonce-abc123'") {
				t.Errorf("CSP %q missing nonce", csp)
			}
			if !strings.Contains(csp, tt.wantSource) {
				t.Errorf("CSP %q missing %q", csp, tt.wantSource)
			}
			if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
				t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
			}
		})
	}
}
