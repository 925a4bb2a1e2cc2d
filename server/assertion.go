package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// ClientAssertionType is the client_assertion_type of JWT client
// authentication (RFC 7523 section 2.2).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	asymmetricAlgorithms = []string{
		"RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA",
	}
	hmacAlgorithms = []string{"HS256", "HS384", "HS512"}

	// mandatoryAssertionClaims are reported in this order when missing. A
	// missing aud fails the audience check instead.
	mandatoryAssertionClaims = []string{"iss", "sub", "jti", "exp"}
)

// Assertion validation failures. Client authentication reports all of them
// as invalid_client; the jwt-bearer grant maps each to its own error.
var (
	errAssertionInvalid  = errors.New("assertion is malformed or its signature is invalid")
	errAssertionAudience = errors.New("assertion audience does not name this server")
	errAssertionExpired  = errors.New("assertion has expired")
	errAssertionReplayed = errors.New("assertion has already been used")
)

type missingClaimsError struct {
	claims []string
}

func (e *missingClaimsError) Error() string {
	return fmt.Sprintf("Missing mandatory claim(s): %s.", quoteList(e.claims))
}

// assertion is a parsed but not yet verified JWT.
type assertion struct {
	raw    string
	token  *jwt.Token
	claims jwt.MapClaims
}

func (a *assertion) issuer() string  { return claimString(a.claims, "iss") }
func (a *assertion) subject() string { return claimString(a.claims, "sub") }

func (a *assertion) isHMAC() bool {
	_, ok := a.token.Method.(*jwt.SigningMethodHMAC)
	return ok
}

// parseAssertion decodes raw without verifying it and checks that every
// mandatory claim is present.
func parseAssertion(raw string) (*assertion, error) {
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errAssertionInvalid, err)
	}

	var missing []string
	for _, name := range mandatoryAssertionClaims {
		if v, ok := claims[name]; !ok || v == nil || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &missingClaimsError{claims: missing}
	}
	return &assertion{raw: raw, token: token, claims: claims}, nil
}

// verifyAssertion checks the signature with keyFunc, then audience, expiry
// and not-before, and finally consumes the jti.
func (s *Server) verifyAssertion(ctx context.Context, a *assertion, methods []string, keyFunc jwt.Keyfunc) error {
	parser := jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithoutClaimsValidation())
	if _, err := parser.Parse(a.raw, keyFunc); err != nil {
		return fmt.Errorf("%w: %v", errAssertionInvalid, err)
	}

	audiences, err := a.claims.GetAudience()
	if err != nil || !s.acceptsAudience(audiences) {
		return errAssertionAudience
	}

	now := s.now()
	grace := s.Config.gracePeriod()
	exp, err := a.claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errAssertionInvalid
	}
	if security.IsExpiredAt(exp.Time, now, grace) {
		return errAssertionExpired
	}
	if nbf, err := a.claims.GetNotBefore(); err != nil || (nbf != nil && nbf.After(now.Add(grace))) {
		return errAssertionInvalid
	}

	jti := claimString(a.claims, "jti")
	if jti == "" {
		return errAssertionInvalid
	}
	if err := s.replayStore.MarkAssertionUsed(ctx, assertionReplayKey(a.issuer(), jti), exp.Add(grace)); err != nil {
		if errors.Is(err, storage.ErrReplayDetected) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventAssertionReplayDetected,
				UserID:   a.subject(),
				ClientID: a.issuer(),
				Details:  map[string]any{"exp": exp.Unix()},
			})
			return errAssertionReplayed
		}
		return fmt.Errorf("failed to record assertion: %w", err)
	}
	return nil
}

// assertionReplayKey scopes jti to its issuer. The length prefix keeps
// distinct (iss, jti) pairs from producing the same key.
func assertionReplayKey(issuer, jti string) string {
	return strconv.Itoa(len(issuer)) + ":" + issuer + jti
}

func (s *Server) acceptsAudience(audiences jwt.ClaimStrings) bool {
	for _, aud := range audiences {
		if aud != "" && (aud == s.Config.Issuer || slices.Contains(s.Config.AssertionAudiences, aud)) {
			return true
		}
	}
	return false
}

// keySetFunc selects the verification key from set by kid, or the only key
// when the token names none.
func keySetFunc(set *jose.JSONWebKeySet) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		candidates := set.Keys
		if kid, _ := token.Header["kid"].(string); kid != "" {
			candidates = set.Key(kid)
		}
		if len(candidates) != 1 {
			return nil, fmt.Errorf("no unique verification key among %d candidates", len(candidates))
		}
		key := candidates[0]
		if !key.IsPublic() {
			key = key.Public()
		}
		if key.Key == nil {
			return nil, fmt.Errorf("key %q has no public part", key.KeyID)
		}
		return key.Key, nil
	}
}

func sharedSecretFunc(secret string) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}
}

// ParseJWKS decodes a JSON Web Key Set document.
func ParseJWKS(raw string) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("JWKS contains no keys")
	}
	return &set, nil
}

func claimString(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return v
}

// ============================================================
// private_key_jwt / client_secret_jwt
// ============================================================

// clientAssertionMethod authenticates clients by a signed JWT (RFC 7523
// section 2.2). Asymmetric algorithms verify against the client's JWKS and
// require private_key_jwt; HMAC algorithms use the client's assertion key
// and require client_secret_jwt.
type clientAssertionMethod struct{ s *Server }

func (m *clientAssertionMethod) Name() string { return AuthMethodClientAssertion }

func (m *clientAssertionMethod) AdvertisedMethods() []string {
	return []string{AuthMethodPrivateKeyJWT, AuthMethodClientSecretJWT}
}

func (m *clientAssertionMethod) Present(r *TokenRequest) bool {
	return r.Form.Has("client_assertion") || r.Form.Has("client_assertion_type")
}

func (m *clientAssertionMethod) Authenticate(ctx context.Context, r *TokenRequest) (*storage.Client, error) {
	if r.Get("client_assertion_type") != ClientAssertionType {
		return nil, rejectClient("unsupported client_assertion_type")
	}

	a, err := parseAssertion(r.Get("client_assertion"))
	if err != nil {
		var missing *missingClaimsError
		if errors.As(err, &missing) {
			return nil, ErrInvalidRequest(missing.Error())
		}
		return nil, rejectClient(err.Error())
	}
	if a.issuer() != a.subject() {
		return nil, rejectClient("assertion iss and sub differ")
	}

	client, err := m.s.clientStore.GetClient(ctx, a.subject())
	if err != nil {
		return nil, err
	}

	var (
		methods []string
		keyFunc jwt.Keyfunc
	)
	if a.isHMAC() {
		if !clientAllowsAuthMethod(client, AuthMethodClientSecretJWT) || client.AssertionKey == "" {
			return nil, rejectClient("client_secret_jwt not allowed for client")
		}
		methods, keyFunc = hmacAlgorithms, sharedSecretFunc(client.AssertionKey)
	} else {
		if !clientAllowsAuthMethod(client, AuthMethodPrivateKeyJWT) || client.JWKS == "" {
			return nil, rejectClient("private_key_jwt not allowed for client")
		}
		set, err := ParseJWKS(client.JWKS)
		if err != nil {
			return nil, rejectClient(err.Error())
		}
		methods, keyFunc = asymmetricAlgorithms, keySetFunc(set)
	}

	if err := m.s.verifyAssertion(ctx, a, methods, keyFunc); err != nil {
		if isAssertionRejection(err) {
			return nil, rejectClient(err.Error())
		}
		return nil, err
	}
	return client, nil
}

func isAssertionRejection(err error) bool {
	return errors.Is(err, errAssertionInvalid) ||
		errors.Is(err, errAssertionAudience) ||
		errors.Is(err, errAssertionExpired) ||
		errors.Is(err, errAssertionReplayed)
}
