package server

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Introspection is the response of the introspection endpoint (RFC 7662).
// Inactive tokens carry no other field.
type Introspection struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Sub       string `json:"sub,omitempty"`
}

// foundToken is a token located by probing the stores.
type foundToken struct {
	kind    string
	access  *storage.AccessToken
	refresh *storage.RefreshToken
}

func (f *foundToken) clientID() string {
	if f.access != nil {
		return f.access.ClientID
	}
	return f.refresh.ClientID
}

// findToken probes the store named by hint first, then the others in the
// fixed order access, refresh. Unknown hints are ignored. A nil result
// means no store knows the token.
func (s *Server) findToken(ctx context.Context, value, hint string) (*foundToken, error) {
	order := []string{storage.TokenTypeHintAccessToken, storage.TokenTypeHintRefreshToken}
	if hint == storage.TokenTypeHintRefreshToken {
		order = []string{storage.TokenTypeHintRefreshToken, storage.TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		var (
			found *foundToken
			err   error
		)
		switch kind {
		case storage.TokenTypeHintAccessToken:
			var t *storage.AccessToken
			if t, err = s.tokenStore.GetAccessToken(ctx, value); err == nil {
				found = &foundToken{kind: kind, access: t}
			}
		case storage.TokenTypeHintRefreshToken:
			var t *storage.RefreshToken
			if t, err = s.tokenStore.GetRefreshToken(ctx, value); err == nil {
				found = &foundToken{kind: kind, refresh: t}
			}
		}
		if found != nil {
			return found, nil
		}
		if !storage.IsMiss(err) {
			return nil, fmt.Errorf("failed to look up %s: %w", kind, err)
		}
	}
	return nil, nil
}

// Revoke processes a revocation request (RFC 7009). Revoking an unknown
// token, or one owned by another client, succeeds without effect.
// The returned error is always an *OAuthError.
func (s *Server) Revoke(ctx context.Context, req *TokenRequest) error {
	ctx, span := s.startSpan(ctx, "oauth.server.revoke")
	defer span.End()

	if err := s.revoke(ctx, req); err != nil {
		oauthErr := s.oauthError(err)
		if oauthErr.Code == ErrorCodeServerError {
			s.Logger.Error("Revocation failed", "error", err)
		}
		instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		return oauthErr
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (s *Server) revoke(ctx context.Context, req *TokenRequest) error {
	if err := s.checkTransport(req.Secure); err != nil {
		return err
	}

	value := req.Get("token")
	if value == "" {
		return MissingParameter("token")
	}

	var caller *AuthenticatedClient
	if s.ClientAuth.Present(req) {
		ac, err := s.ClientAuth.Authenticate(ctx, req)
		if err != nil {
			return err
		}
		caller = ac
	} else if !s.Config.AllowUnauthenticatedRevocation {
		return ErrInvalidClient(descClientAuthFailed)
	}

	hint := req.Get("token_type_hint")
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenTypeHint, hint))

	found, err := s.findToken(ctx, value, hint)
	if err != nil {
		return err
	}
	if found == nil {
		return nil
	}
	if caller == nil {
		return ErrInvalidClient(descRevocationAuth)
	}
	if found.clientID() != caller.Client.ClientID {
		s.Logger.Debug("Ignoring revocation of a token owned by another client",
			"client_id", caller.Client.ClientID,
			"token_prefix", util.SafeTruncate(value, 8))
		return nil
	}

	cascade := !s.Config.DisableRevocationCascade
	var owner string
	switch found.kind {
	case storage.TokenTypeHintAccessToken:
		owner = found.access.ResourceOwner
		err = s.revokeAccessToken(ctx, found.access, cascade)
	case storage.TokenTypeHintRefreshToken:
		owner = found.refresh.ResourceOwner
		if cascade {
			err = s.revokeRefreshTokenFamily(ctx, found.refresh)
		} else {
			err = s.tokenStore.RevokeRefreshToken(ctx, found.refresh.Token)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to revoke %s: %w", found.kind, err)
	}

	s.metrics().RecordTokenRevoked(ctx, found.kind)
	s.Auditor.LogTokenRevoked(owner, caller.Client.ClientID, req.ClientIP, found.kind, cascade)
	return nil
}

// revokeAccessToken revokes token and, with cascade, the refresh token chain
// it was issued with.
func (s *Server) revokeAccessToken(ctx context.Context, token *storage.AccessToken, cascade bool) error {
	if err := s.tokenStore.RevokeAccessToken(ctx, token.Token); err != nil {
		return err
	}
	if !cascade || token.RefreshToken == "" {
		return nil
	}
	refresh, err := s.tokenStore.GetRefreshToken(ctx, token.RefreshToken)
	if err != nil {
		if storage.IsMiss(err) {
			return nil
		}
		return err
	}
	return s.revokeRefreshTokenFamily(ctx, refresh)
}

// revokeAccessTokenCascade looks up and revokes an access token together
// with its refresh token chain.
func (s *Server) revokeAccessTokenCascade(ctx context.Context, value string, cascade bool) error {
	token, err := s.tokenStore.GetAccessToken(ctx, value)
	if err != nil {
		if storage.IsMiss(err) {
			return nil
		}
		return err
	}
	return s.revokeAccessToken(ctx, token, cascade)
}

// revokeRefreshTokenFamily revokes every refresh token of the chain of
// token, and the access tokens issued with them.
func (s *Server) revokeRefreshTokenFamily(ctx context.Context, token *storage.RefreshToken) error {
	if token.ChainID != "" {
		return s.tokenStore.RevokeRefreshTokenChain(ctx, token.ChainID)
	}
	if err := s.tokenStore.RevokeRefreshToken(ctx, token.Token); err != nil {
		return err
	}
	return s.tokenStore.RevokeAccessTokensForRefreshToken(ctx, token.Token)
}

// Introspect processes an introspection request (RFC 7662). The caller
// must authenticate and only learns about its own active tokens.
// The returned error is always an *OAuthError.
func (s *Server) Introspect(ctx context.Context, req *TokenRequest) (*Introspection, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.introspect")
	defer span.End()

	result, err := s.introspect(ctx, req)
	if err != nil {
		oauthErr := s.oauthError(err)
		if oauthErr.Code == ErrorCodeServerError {
			s.Logger.Error("Introspection failed", "error", err)
		}
		instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		return nil, oauthErr
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Server) introspect(ctx context.Context, req *TokenRequest) (*Introspection, error) {
	if err := s.checkTransport(req.Secure); err != nil {
		return nil, err
	}

	ac, err := s.ClientAuth.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	value := req.Get("token")
	if value == "" {
		return nil, MissingParameter("token")
	}

	found, err := s.findToken(ctx, value, req.Get("token_type_hint"))
	if err != nil {
		return nil, err
	}
	if found == nil || found.clientID() != ac.Client.ClientID {
		return &Introspection{Active: false}, nil
	}

	now, grace := s.now(), s.Config.gracePeriod()
	switch found.kind {
	case storage.TokenTypeHintAccessToken:
		t := found.access
		if t.Revoked || security.IsExpiredAt(t.ExpiresAt, now, grace) {
			return &Introspection{Active: false}, nil
		}
		return &Introspection{
			Active:    true,
			ClientID:  t.ClientID,
			TokenType: found.kind,
			Scope:     util.JoinScopes(t.Scopes),
			Exp:       t.ExpiresAt.Unix(),
			Sub:       t.ResourceOwner,
		}, nil
	default:
		t := found.refresh
		if t.Revoked || t.Used || security.IsExpiredAt(t.ExpiresAt, now, grace) {
			return &Introspection{Active: false}, nil
		}
		return &Introspection{
			Active:    true,
			ClientID:  t.ClientID,
			TokenType: found.kind,
			Scope:     util.JoinScopes(t.Scopes),
			Exp:       t.ExpiresAt.Unix(),
			Sub:       t.ResourceOwner,
		}, nil
	}
}
