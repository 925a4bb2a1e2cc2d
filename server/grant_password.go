package server

import (
	"context"
	"fmt"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// passwordGrant is the resource owner password credentials grant (RFC 6749
// section 4.3). It is registered only when a ResourceOwnerStore is configured.
type passwordGrant struct{ s *Server }

func (g *passwordGrant) Name() string { return GrantTypePassword }

func (g *passwordGrant) HandleTokenRequest(ctx context.Context, req *TokenRequest, ac *AuthenticatedClient) (*TokenSet, error) {
	s := g.s

	username := req.Get("username")
	if username == "" {
		return nil, MissingParameter("username")
	}
	password := req.Get("password")
	if password == "" {
		return nil, MissingParameter("password")
	}

	owner, err := s.ownerStore.ValidateResourceOwner(ctx, username, password)
	if err != nil {
		if storage.IsMiss(err) {
			s.Auditor.LogAuthFailure(username, ac.Client.ClientID, req.ClientIP, "invalid resource owner credentials")
			return nil, ErrInvalidGrant(descInvalidOwner)
		}
		return nil, fmt.Errorf("failed to validate resource owner: %w", err)
	}

	scopes, err := s.Scopes.Negotiate(ac.Client, req.Scopes())
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, issueRequest{
		grantType: GrantTypePassword,
		client:    ac.Client,
		owner:     owner.Username,
		scopes:    scopes,
		clientIP:  req.ClientIP,
		refresh:   ac.Client.AllowsGrantType(GrantTypeRefreshToken) && !owner.DisallowRefreshTokens,
	})
}
