package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// codeResponseType issues authorization codes (RFC 6749 section 4.1.1).
type codeResponseType struct{ s *Server }

func (c *codeResponseType) Name() string           { return ResponseTypeCode }
func (c *codeResponseType) RequiresRedirect() bool { return true }
func (c *codeResponseType) ResponseTypeMode() string {
	return ResponseModeQuery
}

func (c *codeResponseType) HandleAuthorizeRequest(ctx context.Context, req *AuthorizeRequest, client *storage.Client, owner string, result *AuthorizeResult) error {
	s := c.s

	value, err := s.tokens.AuthorizationCode(ctx)
	if err != nil {
		return fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                value,
		ClientID:            client.ClientID,
		ResourceOwner:       owner,
		Scopes:              result.Scopes,
		RedirectURI:         result.RedirectURI,
		RedirectURIProvided: result.RedirectURIProvided,
		CodeChallenge:       result.CodeChallenge,
		CodeChallengeMethod: result.CodeChallengeMethod,
		IssueRefreshToken:   client.AllowsGrantType(GrantTypeRefreshToken),
		ExpiresAt:           now.Add(ttl(client.AuthorizationCodeTTL, s.Config.AuthorizationCodeTTL)),
		CreatedAt:           now,
	}
	if err := s.tokenStore.SaveAuthorizationCode(ctx, code); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    owner,
		ClientID:  client.ClientID,
		IPAddress: result.ClientIP,
		Details: map[string]any{
			"pkce_method": code.CodeChallengeMethod,
			"scope":       req.Scope,
		},
	})

	result.Params.Set("code", value)
	return nil
}

// authorizationCodeGrant exchanges a code for tokens (RFC 6749 section 4.1.3).
type authorizationCodeGrant struct{ s *Server }

func (g *authorizationCodeGrant) Name() string { return GrantTypeAuthorizationCode }

func (g *authorizationCodeGrant) HandleTokenRequest(ctx context.Context, req *TokenRequest, ac *AuthenticatedClient) (*TokenSet, error) {
	s := g.s

	value := req.Get("code")
	if value == "" {
		return nil, MissingParameter("code")
	}

	// The code is consumed before anything else is checked, so a failed
	// exchange burns it as well.
	code, err := s.tokenStore.MarkAuthorizationCodeUsed(ctx, value)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		s.handleCodeReuse(ctx, code, ac.Client.ClientID, req.ClientIP)
		return nil, ErrInvalidGrant(descInvalidCode)
	case storage.IsMiss(err):
		return nil, ErrInvalidGrant(descInvalidCode)
	case err != nil:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if security.IsExpiredAt(code.ExpiresAt, s.now(), s.Config.gracePeriod()) {
		return nil, ErrInvalidGrant(descCodeExpired)
	}
	if code.ClientID != ac.Client.ClientID {
		s.Logger.Warn("Authorization code presented by a different client",
			"code_client_id", code.ClientID,
			"client_id", ac.Client.ClientID)
		return nil, ErrInvalidGrant(descInvalidCode)
	}

	if err := checkCodeRedirectURI(code, req.Get("redirect_uri")); err != nil {
		return nil, err
	}

	verifier := req.Get("code_verifier")
	if code.CodeChallenge != "" {
		if err := s.PKCE.Verify(code.CodeChallengeMethod, verifier, code.CodeChallenge); err != nil {
			s.metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.ResourceOwner,
				ClientID:  code.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"method": code.CodeChallengeMethod, "reason": err.Error()},
			})
			return nil, pkceError(err)
		}
	} else if verifier != "" {
		return nil, InvalidParameter("code_verifier")
	}

	set, err := s.issueTokens(ctx, issueRequest{
		grantType: GrantTypeAuthorizationCode,
		client:    ac.Client,
		owner:     code.ResourceOwner,
		scopes:    code.Scopes,
		clientIP:  req.ClientIP,
		refresh:   code.IssueRefreshToken,
	})
	if err != nil {
		return nil, err
	}

	if err := s.tokenStore.SetAuthorizationCodeAccessToken(ctx, code.Code, set.AccessToken); err != nil {
		s.Logger.Error("Failed to link access token to authorization code", "error", err)
	}
	return set, nil
}

// checkCodeRedirectURI applies RFC 6749 section 4.1.3: a redirect_uri sent
// at authorization must be repeated verbatim, and one sent only at exchange
// must still name the URI the code was delivered to.
func checkCodeRedirectURI(code *storage.AuthorizationCode, redirectURI string) error {
	if redirectURI == "" {
		if code.RedirectURIProvided {
			return parameterMismatch("redirect_uri")
		}
		return nil
	}
	if !sameRedirectURI(redirectURI, code.RedirectURI) {
		return parameterMismatch("redirect_uri")
	}
	return nil
}

// handleCodeReuse revokes whatever was issued from a code presented twice
// (RFC 6749 section 4.1.2).
func (s *Server) handleCodeReuse(ctx context.Context, code *storage.AuthorizationCode, clientID, clientIP string) {
	s.metrics().RecordCodeReuseDetected(ctx)
	if code == nil {
		return
	}

	s.Logger.Warn("Authorization code reuse detected, revoking issued tokens",
		"client_id", code.ClientID,
		"presented_by", clientID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		UserID:    code.ResourceOwner,
		ClientID:  code.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"presented_by": clientID},
	})

	if code.IssuedAccessToken == "" {
		return
	}
	if err := s.revokeAccessTokenCascade(ctx, code.IssuedAccessToken, true); err != nil {
		s.Logger.Error("Failed to revoke tokens issued from reused code", "error", err)
	}
}
