package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// PKCE method names (RFC 7636)
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// PKCE verification failures.
var (
	ErrUnsupportedChallengeMethod = errors.New("unsupported code challenge method")
	ErrMissingCodeVerifier        = errors.New("missing code verifier")
	ErrInvalidCodeVerifier        = errors.New("invalid code verifier")
)

// PKCEMethod transforms a code verifier and compares it with a challenge.
// Verify must run in constant time and must not panic on any input.
type PKCEMethod interface {
	Name() string
	Verify(verifier, challenge string) bool
}

// PKCEVerifier is the registry of code challenge methods.
type PKCEVerifier struct {
	methods *registry[PKCEMethod]
}

// NewPKCEVerifier returns a verifier with the plain and S256 methods registered.
func NewPKCEVerifier() *PKCEVerifier {
	v := &PKCEVerifier{methods: newRegistry[PKCEMethod]()}
	v.Register(plainMethod{})
	v.Register(s256Method{})
	return v
}

// Register adds a method. The first registration of a name wins; a
// duplicate returns false.
func (v *PKCEVerifier) Register(m PKCEMethod) bool {
	return v.methods.register(m)
}

// Supports reports whether method is registered.
func (v *PKCEVerifier) Supports(method string) bool {
	_, ok := v.methods.get(method)
	return ok
}

// Methods returns the registered method names in registration order.
func (v *PKCEVerifier) Methods() []string {
	return v.methods.names()
}

// Verify checks verifier against challenge using method.
func (v *PKCEVerifier) Verify(method, verifier, challenge string) error {
	m, ok := v.methods.get(method)
	if !ok {
		return ErrUnsupportedChallengeMethod
	}
	if verifier == "" {
		return ErrMissingCodeVerifier
	}
	if !validVerifierSyntax(verifier) || !m.Verify(verifier, challenge) {
		return ErrInvalidCodeVerifier
	}
	return nil
}

// validVerifierSyntax checks the RFC 7636 section 4.1 length and
// unreserved character set.
func validVerifierSyntax(verifier string) bool {
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return false
		}
	}
	return true
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

type plainMethod struct{}

func (plainMethod) Name() string { return PKCEMethodPlain }

// ConstantTimeCompare returns 0 for inputs of different length.
func (plainMethod) Verify(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
}

type s256Method struct{}

func (s256Method) Name() string { return PKCEMethodS256 }

func (s256Method) Verify(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// pkceError maps a verification failure to its token endpoint error.
func pkceError(err error) *OAuthError {
	switch {
	case errors.Is(err, ErrMissingCodeVerifier):
		return MissingParameter("code_verifier")
	case errors.Is(err, ErrUnsupportedChallengeMethod):
		return ErrInvalidRequest(descUnsupportedPKCE)
	default:
		return InvalidParameter("code_verifier")
	}
}
