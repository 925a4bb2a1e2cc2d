package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

var (
	assertionKeyAlgorithms = []jose.KeyAlgorithm{
		jose.RSA_OAEP, jose.RSA_OAEP_256,
		jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A192KW, jose.ECDH_ES_A256KW,
		jose.A128KW, jose.A192KW, jose.A256KW,
		jose.DIRECT,
	}
	assertionContentEncryption = []jose.ContentEncryption{
		jose.A128GCM, jose.A192GCM, jose.A256GCM,
		jose.A128CBC_HS256, jose.A192CBC_HS384, jose.A256CBC_HS512,
	}
)

// jwtBearerGrant exchanges a signed JWT for an access token on behalf of
// its subject (RFC 7523 section 2.1). It is registered only when an
// AssertionReplayStore is configured.
type jwtBearerGrant struct{ s *Server }

func (g *jwtBearerGrant) Name() string { return GrantTypeJWTBearer }

func (g *jwtBearerGrant) HandleTokenRequest(ctx context.Context, req *TokenRequest, ac *AuthenticatedClient) (*TokenSet, error) {
	s := g.s

	raw := req.Get("assertion")
	if raw == "" {
		return nil, MissingParameter("assertion")
	}

	raw, err := s.openAssertion(raw)
	if err != nil {
		return nil, err
	}

	a, err := parseAssertion(raw)
	if err != nil {
		var missing *missingClaimsError
		if errors.As(err, &missing) {
			return nil, ErrInvalidRequest(missing.Error())
		}
		return nil, ErrInvalidGrant(descAssertionInvalid)
	}

	keys, err := s.issuerKeys(ctx, a.issuer(), ac.Client.ClientID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		s.Logger.Debug("jwt-bearer assertion from unknown issuer", "issuer", a.issuer())
		return nil, ErrInvalidGrant(descAssertionInvalid)
	}

	if err := s.verifyAssertion(ctx, a, asymmetricAlgorithms, keySetFunc(keys)); err != nil {
		switch {
		case errors.Is(err, errAssertionAudience):
			return nil, ErrInvalidRequest(descAssertionAudience)
		case errors.Is(err, errAssertionExpired):
			return nil, ErrInvalidGrant(descAssertionExpired)
		case errors.Is(err, errAssertionReplayed):
			return nil, ErrInvalidGrant(descAssertionReplayed)
		case errors.Is(err, errAssertionInvalid):
			return nil, ErrInvalidGrant(descAssertionInvalid)
		default:
			return nil, err
		}
	}

	scopes, err := s.Scopes.Negotiate(ac.Client, req.Scopes())
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, issueRequest{
		grantType: GrantTypeJWTBearer,
		client:    ac.Client,
		owner:     a.subject(),
		scopes:    scopes,
		clientIP:  req.ClientIP,
	})
}

// openAssertion returns the signed JWT inside raw, decrypting it first when
// it is a compact JWE.
func (s *Server) openAssertion(raw string) (string, error) {
	encrypted := strings.Count(raw, ".") == 4
	if !encrypted {
		if s.Config.RequireEncryptedAssertion {
			return "", ErrInvalidRequest(descAssertionEncrypted)
		}
		return raw, nil
	}

	if s.Config.AssertionDecryptionKey == nil {
		return "", ErrInvalidRequest(descAssertionUndecrypted)
	}
	plaintext, err := decryptAssertion(raw, s.Config.AssertionDecryptionKey)
	if err != nil {
		s.Logger.Debug("Failed to decrypt assertion", "error", err)
		return "", ErrInvalidRequest(descAssertionUndecrypted)
	}
	return plaintext, nil
}

func decryptAssertion(raw string, key any) (string, error) {
	jwe, err := jose.ParseEncrypted(raw, assertionKeyAlgorithms, assertionContentEncryption)
	if err != nil {
		return "", fmt.Errorf("failed to parse JWE: %w", err)
	}
	plaintext, err := jwe.Decrypt(key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt JWE: %w", err)
	}
	return string(plaintext), nil
}

// issuerKeys resolves the verification keys of an assertion issuer: the JWKS
// of the registered client of that id, else the TrustedIssuerKeys resolver.
// A registered client only vouches for assertions it presents itself. A nil
// set means the issuer is unknown or not trusted for clientID.
func (s *Server) issuerKeys(ctx context.Context, issuer, clientID string) (*jose.JSONWebKeySet, error) {
	client, err := s.clientStore.GetClient(ctx, issuer)
	switch {
	case err == nil && client.ClientID != clientID:
		s.Logger.Warn("jwt-bearer assertion issued by another registered client",
			"issuer", issuer,
			"client_id", clientID)
		return nil, nil
	case err == nil && client.JWKS != "":
		set, err := ParseJWKS(client.JWKS)
		if err != nil {
			s.Logger.Warn("Registered JWKS of assertion issuer is invalid", "issuer", issuer, "error", err)
			return nil, nil
		}
		return set, nil
	case err != nil && !storage.IsMiss(err):
		return nil, fmt.Errorf("failed to get assertion issuer: %w", err)
	}

	if s.Config.TrustedIssuerKeys == nil {
		return nil, nil
	}
	set, err := s.Config.TrustedIssuerKeys(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve issuer keys: %w", err)
	}
	return set, nil
}
