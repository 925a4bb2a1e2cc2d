package util

import (
	"slices"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than maxLen", input: "short", maxLen: 10, want: "short"},
		{name: "equal to maxLen", input: "exactly10c", maxLen: 10, want: "exactly10c"},
		{name: "longer than maxLen", input: "this-is-a-very-long-token-string", maxLen: 8, want: "this-is-"},
		{name: "empty string", input: "", maxLen: 5, want: ""},
		{name: "zero maxLen", input: "test", maxLen: 0, want: ""},
		{name: "negative maxLen", input: "test", maxLen: -1, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{input: "", want: nil},
		{input: "   ", want: nil},
		{input: "read", want: []string{"read"}},
		{input: "read write", want: []string{"read", "write"}},
		{input: " read  write\tadmin ", want: []string{"read", "write", "admin"}},
		{input: "write read write", want: []string{"write", "read"}},
	}

	for _, tt := range tests {
		if got := SplitScopes(tt.input); !slices.Equal(got, tt.want) {
			t.Errorf("SplitScopes(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"b", "a"}); got != "b a" {
		t.Errorf("JoinScopes() = %q, want %q", got, "b a")
	}
	if got := JoinScopes(nil); got != "" {
		t.Errorf("JoinScopes(nil) = %q, want empty", got)
	}
}

func TestDedupeScopes(t *testing.T) {
	got := DedupeScopes([]string{"a", "", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if !slices.Equal(got, want) {
		t.Errorf("DedupeScopes() = %v, want %v", got, want)
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.10.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"example.com", false},
		{"10.0.0.1", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.hostname); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}
