package util

import (
	"net"
	"strings"
)

// SafeTruncate truncates s to maxLen bytes without panicking. It is used when
// logging tokens and codes, where only a prefix may be shown.
// A negative maxLen returns an empty string.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SplitScopes splits a space-delimited scope parameter. Runs of whitespace
// are collapsed and duplicates dropped, keeping the first occurrence.
func SplitScopes(scope string) []string {
	return DedupeScopes(strings.Fields(scope))
}

// JoinScopes serializes scopes for the wire.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// DedupeScopes removes duplicates and empty entries, preserving order.
func DedupeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// IsLoopbackHostname reports whether hostname (as returned by
// url.URL.Hostname) is localhost or a loopback IP.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
