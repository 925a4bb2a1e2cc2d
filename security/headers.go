package security

import (
	"net/http"
	"net/url"
	"strings"
)

// SetSecurityHeaders sets the headers shared by every OAuth endpoint response.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	SetNoStoreHeaders(w)
}

// SetNoStoreHeaders marks a response as uncacheable. Token and error
// responses from the token endpoint must carry these (RFC 6749 section 5.1).
func SetNoStoreHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, private")
	w.Header().Set("Pragma", "no-cache")
}

// SetFormPostHeaders relaxes the content security policy just enough for the
// form_post response page to submit itself to action, the client's redirect
// URI.
func SetFormPostHeaders(w http.ResponseWriter, nonce, action string) {
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; script-src 'nonce-"+nonce+"'; form-action "+formActionSource(action)+"; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
}

// formActionSource is the CSP source expression admitting action: its origin
// for web redirects, its scheme for native-app redirects.
func formActionSource(action string) string {
	parsed, err := url.Parse(action)
	if err != nil || parsed.Scheme == "" {
		return "'none'"
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme == "http" || scheme == "https") && parsed.Host != "" {
		return scheme + "://" + parsed.Host
	}
	return scheme + ":"
}
