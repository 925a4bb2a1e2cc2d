package server

import (
	"context"
)

// clientCredentialsGrant issues tokens to a confidential client acting on
// its own behalf (RFC 6749 section 4.4).
type clientCredentialsGrant struct{ s *Server }

func (g *clientCredentialsGrant) Name() string { return GrantTypeClientCredentials }

func (g *clientCredentialsGrant) HandleTokenRequest(ctx context.Context, req *TokenRequest, ac *AuthenticatedClient) (*TokenSet, error) {
	s := g.s
	client := ac.Client

	if !client.IsConfidential() {
		return nil, ErrInvalidClient(descNotConfidential)
	}

	scopes, err := s.Scopes.Negotiate(client, req.Scopes())
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, issueRequest{
		grantType: GrantTypeClientCredentials,
		client:    client,
		scopes:    scopes,
		clientIP:  req.ClientIP,
		refresh: s.Config.IssueRefreshTokenWithClientCredentials &&
			client.AllowsGrantType(GrantTypeRefreshToken),
	})
}
