package server

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// tokenResponseType is the implicit grant (RFC 6749 section 4.2). The
// access token travels in the fragment and no refresh token is issued.
type tokenResponseType struct{ s *Server }

func (t *tokenResponseType) Name() string           { return ResponseTypeToken }
func (t *tokenResponseType) RequiresRedirect() bool { return true }
func (t *tokenResponseType) ResponseTypeMode() string {
	return ResponseModeFragment
}

func (t *tokenResponseType) HandleAuthorizeRequest(ctx context.Context, _ *AuthorizeRequest, client *storage.Client, owner string, result *AuthorizeResult) error {
	set, err := t.s.issueTokens(ctx, issueRequest{
		grantType: GrantTypeImplicit,
		client:    client,
		owner:     owner,
		scopes:    result.Scopes,
		clientIP:  result.ClientIP,
	})
	if err != nil {
		return err
	}

	for k, v := range set.Extra {
		result.Params.Set(k, fmt.Sprint(v))
	}
	result.Params.Set("access_token", set.AccessToken)
	result.Params.Set("token_type", set.TokenType)
	result.Params.Set("expires_in", strconv.FormatInt(set.ExpiresIn, 10))
	result.Params.Set("scope", set.Scope)
	return nil
}

// noneResponseType issues nothing; the redirect only carries state
// (OAuth 2.0 Multiple Response Type Encoding Practices, section 4).
type noneResponseType struct{}

func (noneResponseType) Name() string             { return ResponseTypeNone }
func (noneResponseType) RequiresRedirect() bool   { return false }
func (noneResponseType) ResponseTypeMode() string { return ResponseModeNone }

func (noneResponseType) HandleAuthorizeRequest(context.Context, *AuthorizeRequest, *storage.Client, string, *AuthorizeResult) error {
	return nil
}
