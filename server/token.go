package server

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
)

// Token processes a token endpoint request (RFC 6749 section 3.2).
// Client authentication errors are reported before grant_type is examined.
// The returned error is always an *OAuthError.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenSet, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.token")
	defer span.End()

	grantType := req.GrantType()
	set, err := s.token(ctx, req)
	if err != nil {
		oauthErr := s.oauthError(err)
		if oauthErr.Code == ErrorCodeServerError {
			s.Logger.Error("Token request failed", "grant_type", grantType, "error", err)
		} else {
			s.Logger.Debug("Token request rejected", "grant_type", grantType, "error", oauthErr.Code)
		}
		s.metrics().RecordGrantFailed(ctx, grantType, oauthErr.Code)
		instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		return nil, oauthErr
	}

	s.metrics().RecordGrantIssued(ctx, grantType)
	instrumentation.SetSpanSuccess(span)
	return set, nil
}

func (s *Server) token(ctx context.Context, req *TokenRequest) (*TokenSet, error) {
	if err := s.checkTransport(req.Secure); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, ErrInvalidRequest(descNotPost)
	}

	ac, err := s.ClientAuth.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	grantType := req.GrantType()
	if grantType == "" {
		return nil, MissingParameter("grant_type")
	}
	grant, ok := s.Grants.GrantType(grantType)
	if !ok {
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("The grant type %q is not supported by this server.", grantType))
	}
	if !ac.Client.AllowsGrantType(grantType) {
		return nil, ErrUnauthorizedClient(descGrantNotAllowed)
	}

	ctx, span := s.startSpan(ctx, "oauth.server.grant."+grant.Name())
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grant.Name()),
		attribute.String(instrumentation.AttrClientAuthMethod, ac.Method),
		attribute.String(instrumentation.AttrClientType, ac.Client.ClientType))
	instrumentation.AddOAuthFlowAttributes(span, ac.Client.ClientID, "", req.Get("scope"))

	set, err := grant.HandleTokenRequest(ctx, req, ac)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return set, nil
}
