package server

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// BlockedRedirectSchemes can never be registered as redirect URI schemes.
var BlockedRedirectSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// Redirect URI error categories for logging.
const (
	RedirectURIErrorCategoryInvalidFormat = "invalid_format"
	RedirectURIErrorCategoryNotAbsolute   = "not_absolute"
	RedirectURIErrorCategoryFragment      = "fragment_not_allowed"
	RedirectURIErrorCategoryBlockedScheme = "blocked_scheme"
	RedirectURIErrorCategoryNotRegistered = "not_registered"
	RedirectURIErrorCategoryAmbiguous     = "ambiguous"
)

// RedirectURIError describes a rejected redirect URI.
type RedirectURIError struct {
	// Category is the error category for logging
	Category string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
}

func (e *RedirectURIError) Error() string {
	return fmt.Sprintf("redirect_uri %s: %s", e.Category, e.Reason)
}

// parseRedirectURI checks the shape every redirect URI must have (RFC 6749
// section 3.1.2): absolute and without a fragment.
func parseRedirectURI(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, &RedirectURIError{Category: RedirectURIErrorCategoryInvalidFormat, Reason: err.Error()}
	}
	if !parsed.IsAbs() {
		return nil, &RedirectURIError{Category: RedirectURIErrorCategoryNotAbsolute, Reason: "no scheme"}
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return nil, &RedirectURIError{Category: RedirectURIErrorCategoryFragment, Reason: "contains a fragment"}
	}
	return parsed, nil
}

// normalizeRedirectURI lowercases the scheme and host, which RFC 3986
// defines as case-insensitive. Everything else compares byte for byte.
func normalizeRedirectURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String()
}

func sameRedirectURI(a, b string) bool {
	return normalizeRedirectURI(a) == normalizeRedirectURI(b)
}

// resolveRedirectURI picks the redirect URI of an authorization request.
// A requested URI must match a registered one; without one the client must
// have exactly one registered URI.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) != 1 {
			return "", &RedirectURIError{
				Category: RedirectURIErrorCategoryAmbiguous,
				Reason:   fmt.Sprintf("client has %d registered redirect URIs", len(client.RedirectURIs)),
			}
		}
		return client.RedirectURIs[0], nil
	}

	if _, err := parseRedirectURI(requested); err != nil {
		return "", err
	}
	for _, registered := range client.RedirectURIs {
		if sameRedirectURI(registered, requested) {
			return requested, nil
		}
	}
	return "", &RedirectURIError{Category: RedirectURIErrorCategoryNotRegistered, Reason: sanitizeURIForLogging(requested)}
}

// ValidateRedirectURIForRegistration checks a redirect URI a client wants
// to register.
func ValidateRedirectURIForRegistration(raw string) error {
	parsed, err := parseRedirectURI(raw)
	if err != nil {
		return err
	}
	if slices.Contains(BlockedRedirectSchemes, strings.ToLower(parsed.Scheme)) {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryBlockedScheme,
			Reason:   fmt.Sprintf("scheme %q is blocked", parsed.Scheme),
		}
	}
	return nil
}

// sanitizeURIForLogging drops query, fragment and userinfo, which may carry
// credentials.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// appendParams adds params to the query or fragment of base, keeping any
// query the redirect URI was registered with.
func appendParams(base string, params url.Values, fragment bool) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	if fragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode()
	}
	if len(params) == 0 {
		return u.String()
	}
	if u.RawQuery == "" {
		u.RawQuery = params.Encode()
	} else {
		u.RawQuery += "&" + params.Encode()
	}
	return u.String()
}
