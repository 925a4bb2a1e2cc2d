package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// refreshTokenGrant exchanges a refresh token (RFC 6749 section 6). Unless
// DisableRefreshTokenRotation is set the token is rotated and a second use
// revokes the whole chain (RFC 9700 section 4.14.2).
type refreshTokenGrant struct{ s *Server }

func (g *refreshTokenGrant) Name() string { return GrantTypeRefreshToken }

func (g *refreshTokenGrant) HandleTokenRequest(ctx context.Context, req *TokenRequest, ac *AuthenticatedClient) (*TokenSet, error) {
	s := g.s

	value := req.Get("refresh_token")
	if value == "" {
		return nil, MissingParameter("refresh_token")
	}

	old, err := s.tokenStore.GetRefreshToken(ctx, value)
	if err != nil {
		if storage.IsMiss(err) {
			return nil, ErrInvalidGrant(descInvalidRefreshToken)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if old.Revoked || old.ClientID != ac.Client.ClientID {
		return nil, ErrInvalidGrant(descInvalidRefreshToken)
	}
	if security.IsExpiredAt(old.ExpiresAt, s.now(), s.Config.gracePeriod()) {
		return nil, ErrInvalidGrant(descRefreshTokenExpired)
	}

	scopes, err := s.Scopes.Narrow(old.Scopes, req.Scopes())
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			UserID:    old.ResourceOwner,
			ClientID:  old.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"requested": req.Get("scope")},
		})
		return nil, err
	}

	if s.Config.DisableRefreshTokenRotation {
		return s.issueTokens(ctx, issueRequest{
			grantType:   GrantTypeRefreshToken,
			client:      ac.Client,
			owner:       old.ResourceOwner,
			scopes:      scopes,
			clientIP:    req.ClientIP,
			keepRefresh: old.Token,
		})
	}

	if _, err := s.tokenStore.MarkRefreshTokenUsed(ctx, value); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyUsed):
			s.handleRefreshReuse(ctx, old, req.ClientIP)
			return nil, ErrInvalidGrant(descInvalidRefreshToken)
		case storage.IsMiss(err):
			return nil, ErrInvalidGrant(descInvalidRefreshToken)
		default:
			return nil, fmt.Errorf("failed to mark refresh token used: %w", err)
		}
	}

	if !s.Config.DisableRevocationCascade {
		if err := s.tokenStore.RevokeAccessTokensForRefreshToken(ctx, old.Token); err != nil {
			return nil, fmt.Errorf("failed to revoke access tokens of rotated refresh token: %w", err)
		}
	}

	set, err := s.issueTokens(ctx, issueRequest{
		grantType: GrantTypeRefreshToken,
		client:    ac.Client,
		owner:     old.ResourceOwner,
		scopes:    scopes,
		clientIP:  req.ClientIP,
		refresh:   true,
		chainID:   old.ChainID,
		parent:    old.Token,
	})
	if err != nil {
		return nil, err
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenRefreshed,
		UserID:    old.ResourceOwner,
		ClientID:  old.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"chain_id": old.ChainID},
	})
	return set, nil
}

// handleRefreshReuse revokes the rotation chain of a refresh token that was
// presented after it had been exchanged.
func (s *Server) handleRefreshReuse(ctx context.Context, token *storage.RefreshToken, clientIP string) {
	s.metrics().RecordRefreshReuseDetected(ctx)
	s.Logger.Warn("Refresh token reuse detected, revoking token chain",
		"client_id", token.ClientID,
		"chain_id", token.ChainID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventRefreshTokenReuseDetected,
		UserID:    token.ResourceOwner,
		ClientID:  token.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"chain_id": token.ChainID},
	})

	if err := s.revokeRefreshTokenFamily(ctx, token); err != nil {
		s.Logger.Error("Failed to revoke refresh token chain", "chain_id", token.ChainID, "error", err)
		return
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenChainRevoked,
		UserID:    token.ResourceOwner,
		ClientID:  token.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"chain_id": token.ChainID, "reason": "refresh_token_reuse"},
	})
}
