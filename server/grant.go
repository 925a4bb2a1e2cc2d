package server

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Grant type names (RFC 6749, RFC 7523)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Response type names
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
	ResponseTypeNone  = "none"
)

// Response modes. ResponseModeNone is reported by response types that have
// no delivery preference of their own.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
	ResponseModeNone     = "none"
)

// TokenTypeBearer is the token_type of access tokens issued by the server.
const TokenTypeBearer = "Bearer"

// GrantType handles one grant_type at the token endpoint. The client has
// already been authenticated and authorized for the grant.
type GrantType interface {
	Name() string
	HandleTokenRequest(ctx context.Context, req *TokenRequest, client *AuthenticatedClient) (*TokenSet, error)
}

// ResponseType handles one response_type token at the authorization
// endpoint. It adds its output parameters to result.Params.
type ResponseType interface {
	Name() string

	// RequiresRedirect reports whether the response type needs a registered
	// redirect URI to deliver its result.
	RequiresRedirect() bool

	// ResponseTypeMode is the delivery the response type demands:
	// ResponseModeQuery, ResponseModeFragment or ResponseModeNone.
	ResponseTypeMode() string

	HandleAuthorizeRequest(ctx context.Context, req *AuthorizeRequest, client *storage.Client, owner string, result *AuthorizeResult) error
}

// AuthorizeResult carries the validated state of an authorization request
// to the response types and collects their output.
type AuthorizeResult struct {
	// RedirectURI is the redirect URI the response is delivered to.
	RedirectURI string

	// RedirectURIProvided records whether the request named the redirect URI.
	RedirectURIProvided bool

	// Scopes are the negotiated scopes.
	Scopes []string

	// CodeChallenge and CodeChallengeMethod are the validated PKCE
	// parameters, the method already defaulted.
	CodeChallenge       string
	CodeChallengeMethod string

	ClientIP string

	Params url.Values
}

// GrantRegistry holds the grant types and response types of a server.
type GrantRegistry struct {
	grants    *registry[GrantType]
	responses *registry[ResponseType]
}

func newGrantRegistry(s *Server) *GrantRegistry {
	g := &GrantRegistry{
		grants:    newRegistry[GrantType](),
		responses: newRegistry[ResponseType](),
	}

	g.RegisterResponseType(&codeResponseType{s: s})
	g.RegisterResponseType(&tokenResponseType{s: s})
	g.RegisterResponseType(noneResponseType{})

	g.RegisterGrantType(&authorizationCodeGrant{s: s})
	g.RegisterGrantType(&clientCredentialsGrant{s: s})
	if s.ownerStore != nil {
		g.RegisterGrantType(&passwordGrant{s: s})
	}
	g.RegisterGrantType(&refreshTokenGrant{s: s})
	if s.replayStore != nil {
		g.RegisterGrantType(&jwtBearerGrant{s: s})
	}
	return g
}

// RegisterGrantType adds a grant type. The first registration of a name wins.
func (g *GrantRegistry) RegisterGrantType(grant GrantType) bool {
	return g.grants.register(grant)
}

// RegisterResponseType adds a response type. The first registration of a
// name wins.
func (g *GrantRegistry) RegisterResponseType(rt ResponseType) bool {
	return g.responses.register(rt)
}

// GrantType returns the grant type registered under name.
func (g *GrantRegistry) GrantType(name string) (GrantType, bool) {
	return g.grants.get(name)
}

// ResponseType returns the response type registered under name.
func (g *GrantRegistry) ResponseType(name string) (ResponseType, bool) {
	return g.responses.get(name)
}

// GrantTypes returns the registered grant type names in registration order.
func (g *GrantRegistry) GrantTypes() []string {
	return g.grants.names()
}

// ResponseTypes returns the registered response type names in registration order.
func (g *GrantRegistry) ResponseTypes() []string {
	return g.responses.names()
}

// ============================================================
// Token sets
// ============================================================

// TokenSet is the result of a successful grant.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64 // seconds
	RefreshToken string
	Scope        string

	// Extra holds extension response parameters.
	Extra map[string]any

	IssuedAt time.Time
}

// Parameters returns the token response parameters (RFC 6749 section 5.1).
// scope is always present, even when empty.
func (t *TokenSet) Parameters() map[string]any {
	params := make(map[string]any, len(t.Extra)+5)
	for k, v := range t.Extra {
		params[k] = v
	}
	params["access_token"] = t.AccessToken
	params["token_type"] = t.TokenType
	params["expires_in"] = t.ExpiresIn
	params["scope"] = t.Scope
	if t.RefreshToken != "" {
		params["refresh_token"] = t.RefreshToken
	}
	return params
}

// OAuth2Token returns the token set as an *oauth2.Token, the form Go OAuth
// clients consume.
func (t *TokenSet) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	extra := map[string]any{"scope": t.Scope}
	for k, v := range t.Extra {
		extra[k] = v
	}
	return tok.WithExtra(extra)
}

// issueRequest describes the tokens a grant is about to issue.
type issueRequest struct {
	grantType string
	client    *storage.Client
	owner     string
	scopes    []string
	clientIP  string

	// refresh asks for a refresh token alongside the access token.
	refresh bool

	// chainID and parent continue an existing rotation chain.
	chainID string
	parent  string

	// keepRefresh links the new access token to an existing refresh token
	// that is handed back unchanged.
	keepRefresh string
}

// reservedTokenParameters are the token response parameters the server
// always sets itself.
var reservedTokenParameters = []string{"access_token", "token_type", "expires_in", "scope", "refresh_token", "state"}

// extensionParameters drops reserved names from params. It returns nil
// when nothing is left.
func extensionParameters(params map[string]any) map[string]any {
	var out map[string]any
	for k, v := range params {
		if k == "" || slices.Contains(reservedTokenParameters, k) {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(params))
		}
		out[k] = v
	}
	return out
}

// issueTokens generates and stores an access token and, when asked, a
// refresh token linked to it.
func (s *Server) issueTokens(ctx context.Context, ir issueRequest) (*TokenSet, error) {
	now := s.now()
	accessTTL := ttl(ir.client.AccessTokenTTL, s.Config.AccessTokenTTL)

	value, err := s.tokens.AccessToken(ctx, TokenClaims{
		ClientID:  ir.client.ClientID,
		Subject:   ir.owner,
		Scopes:    ir.scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	access := &storage.AccessToken{
		Token:         value,
		ClientID:      ir.client.ClientID,
		ResourceOwner: ir.owner,
		Scopes:        ir.scopes,
		TokenType:     TokenTypeBearer,
		ExpiresAt:     now.Add(accessTTL),
		CreatedAt:     now,
	}
	set := &TokenSet{
		AccessToken: value,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(accessTTL / time.Second),
		Scope:       util.JoinScopes(ir.scopes),
		IssuedAt:    now,
	}
	if s.Config.TokenParameters != nil {
		access.Parameters = extensionParameters(s.Config.TokenParameters(ctx, access))
		set.Extra = access.Parameters
	}

	switch {
	case ir.keepRefresh != "":
		access.RefreshToken = ir.keepRefresh
		set.RefreshToken = ir.keepRefresh
	case ir.refresh:
		refreshValue, err := s.tokens.RefreshToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		chainID := ir.chainID
		if chainID == "" {
			chainID = uuid.NewString()
		}
		refresh := &storage.RefreshToken{
			Token:         refreshValue,
			ClientID:      ir.client.ClientID,
			ResourceOwner: ir.owner,
			Scopes:        ir.scopes,
			ChainID:       chainID,
			ParentToken:   ir.parent,
			AccessToken:   value,
			ExpiresAt:     now.Add(ttl(ir.client.RefreshTokenTTL, s.Config.RefreshTokenTTL)),
			CreatedAt:     now,
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, refresh); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		access.RefreshToken = refreshValue
		set.RefreshToken = refreshValue
	}

	if err := s.tokenStore.SaveAccessToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	s.Auditor.LogTokenIssued(ir.owner, ir.client.ClientID, ir.clientIP, ir.grantType, set.Scope)
	s.Logger.Debug("Issued tokens",
		"grant_type", ir.grantType,
		"client_id", ir.client.ClientID,
		"access_token_prefix", util.SafeTruncate(value, 8),
		"refresh", ir.refresh)
	return set, nil
}
