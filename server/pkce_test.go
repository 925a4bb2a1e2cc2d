package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
)

func TestPKCEVerifier_Verify(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	plain := strings.Repeat("a", 43)

	tests := []struct {
		name      string
		method    string
		verifier  string
		challenge string
		wantErr   error
	}{
		{name: "S256 match", method: PKCEMethodS256, verifier: verifier, challenge: challenge},
		{name: "S256 wrong verifier", method: PKCEMethodS256, verifier: strings.Repeat("b", 43), challenge: challenge, wantErr: ErrInvalidCodeVerifier},
		{name: "plain match", method: PKCEMethodPlain, verifier: plain, challenge: plain},
		{name: "plain wrong content", method: PKCEMethodPlain, verifier: strings.Repeat("b", 43), challenge: plain, wantErr: ErrInvalidCodeVerifier},
		{name: "plain wrong length", method: PKCEMethodPlain, verifier: plain + "a", challenge: plain, wantErr: ErrInvalidCodeVerifier},
		{name: "too short", method: PKCEMethodPlain, verifier: "abc", challenge: "abc", wantErr: ErrInvalidCodeVerifier},
		{name: "too long", method: PKCEMethodPlain, verifier: strings.Repeat("a", 129), challenge: strings.Repeat("a", 129), wantErr: ErrInvalidCodeVerifier},
		{name: "reserved characters", method: PKCEMethodPlain, verifier: strings.Repeat("a", 42) + "+", challenge: strings.Repeat("a", 42) + "+", wantErr: ErrInvalidCodeVerifier},
		{name: "missing verifier", method: PKCEMethodS256, verifier: "", challenge: challenge, wantErr: ErrMissingCodeVerifier},
		{name: "unknown method", method: "S512", verifier: verifier, challenge: challenge, wantErr: ErrUnsupportedChallengeMethod},
	}

	v := NewPKCEVerifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.method, tt.verifier, tt.challenge)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPKCEVerifier_RFC7636Example(t *testing.T) {
	// Appendix B of RFC 7636.
	const (
		verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	)
	if err := NewPKCEVerifier().Verify(PKCEMethodS256, verifier, challenge); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestPKCEVerifier_PlainNeverPanics(t *testing.T) {
	m := plainMethod{}
	inputs := []string{"", "a", strings.Repeat("x", 1000), "\x00\xff"}
	for _, verifier := range inputs {
		for _, challenge := range inputs {
			if verifier != challenge && m.Verify(verifier, challenge) {
				t.Errorf("plain Verify(%q, %q) = true", verifier, challenge)
			}
		}
	}
}

type upperMethod struct{}

func (upperMethod) Name() string { return "upper" }

func (upperMethod) Verify(verifier, challenge string) bool {
	return strings.ToUpper(verifier) == challenge
}

func TestPKCEVerifier_Register(t *testing.T) {
	v := NewPKCEVerifier()

	if v.Register(plainMethod{}) {
		t.Error("Register() of a duplicate name should return false")
	}
	if !v.Register(upperMethod{}) {
		t.Fatal("Register() of a new method should return true")
	}

	want := []string{PKCEMethodPlain, PKCEMethodS256, "upper"}
	got := v.Methods()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Methods() = %v, want %v", got, want)
	}

	verifier := strings.Repeat("a", 43)
	if err := v.Verify("upper", verifier, strings.ToUpper(verifier)); err != nil {
		t.Errorf("Verify() with custom method error = %v", err)
	}
}

func TestPKCEError(t *testing.T) {
	tests := []struct {
		err      error
		wantDesc string
	}{
		{err: ErrInvalidCodeVerifier, wantDesc: `Invalid parameter "code_verifier".`},
		{err: ErrMissingCodeVerifier, wantDesc: `Missing parameter "code_verifier".`},
		{err: ErrUnsupportedChallengeMethod, wantDesc: descUnsupportedPKCE},
	}
	for _, tt := range tests {
		got := pkceError(tt.err)
		if got.Code != ErrorCodeInvalidRequest || got.Description != tt.wantDesc {
			t.Errorf("pkceError(%v) = %v, want invalid_request %q", tt.err, got, tt.wantDesc)
		}
	}
}
