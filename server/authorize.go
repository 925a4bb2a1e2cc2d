package server

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Consent is the host's decision on an authorization request, made after
// authenticating the resource owner.
type Consent struct {
	ResourceOwner string
	Granted       bool
}

// AuthorizeResponse is delivered to the client's redirect URI. Err is set
// when Params carries an error rather than a grant.
//
// RedirectURI is empty when the request used a redirect-exempt response
// type and no redirect URI is registered; Params are then returned to the
// user agent directly.
type AuthorizeResponse struct {
	RedirectURI string
	Params      url.Values
	Mode        string
	Err         *OAuthError
}

// Location returns the redirect URL for the query and fragment modes.
func (r *AuthorizeResponse) Location() string {
	return appendParams(r.RedirectURI, r.Params, r.Mode == ResponseModeFragment)
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit This Form</title></head>
<body>
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Params}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}"/>
{{- end}}{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">document.forms[0].submit();</script>
</body>
</html>
`))

// WriteFormPost renders the auto-submitting form of the form_post response
// mode. nonce must match the script-src nonce of the page's CSP.
func (r *AuthorizeResponse) WriteFormPost(w io.Writer, nonce string) error {
	action, err := formPostAction(r.RedirectURI)
	if err != nil {
		return err
	}
	return formPostTemplate.Execute(w, struct {
		Action template.URL
		Params url.Values
		Nonce  string
	}{
		Action: action,
		Params: r.Params,
		Nonce:  nonce,
	})
}

// formPostAction marks the redirect URI as a trusted form target. It was
// matched against the client's registration, so native-app schemes such as
// com.example.app: must survive html/template's URL filter.
func formPostAction(redirectURI string) (template.URL, error) {
	parsed, err := parseRedirectURI(redirectURI)
	if err != nil {
		return "", err
	}
	if slices.Contains(BlockedRedirectSchemes, strings.ToLower(parsed.Scheme)) {
		return "", &RedirectURIError{Category: RedirectURIErrorCategoryBlockedScheme, Reason: parsed.Scheme}
	}
	return template.URL(redirectURI), nil //nolint:gosec // G203: registered redirect URI, scheme checked above
}

// authorizeFlow carries an authorization request once its redirect target
// is known, so later failures can be redirected.
type authorizeFlow struct {
	s           *Server
	req         *AuthorizeRequest
	client      *storage.Client
	redirectURI string
	mode        string
}

func (f *authorizeFlow) fail(ctx context.Context, err error) *AuthorizeResponse {
	oauthErr := f.s.oauthError(err)
	if oauthErr.Code == ErrorCodeServerError {
		f.s.Logger.Error("Authorization request failed", "client_id", f.client.ClientID, "error", err)
	}
	f.s.metrics().RecordAuthorization(ctx, f.req.ResponseType, oauthErr.Code)

	params := url.Values{}
	params.Set("error", oauthErr.Code)
	params.Set("error_description", oauthErr.Description)
	if oauthErr.URI != "" {
		params.Set("error_uri", oauthErr.URI)
	}
	if f.req.State != "" {
		params.Set("state", f.req.State)
	}
	return &AuthorizeResponse{RedirectURI: f.redirectURI, Params: params, Mode: f.mode, Err: oauthErr}
}

// Authorize processes an authorization request (RFC 6749 section 3.1).
//
// Errors found before the redirect URI is validated are returned as
// *OAuthError and must be shown to the user agent directly. Every later
// error is delivered to the client through the returned response.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, consent Consent) (*AuthorizeResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.authorize")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrClientID, req.ClientID))

	flow, err := s.authorizeTarget(ctx, req)
	if err != nil {
		oauthErr := s.oauthError(err)
		instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		return nil, oauthErr
	}

	resp := flow.run(ctx, consent)
	if resp.Err != nil {
		instrumentation.AddOAuthErrorAttributes(span, resp.Err.Code, resp.Err.Description)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	return resp, nil
}

// authorizeTarget runs the checks that must pass before anything may be
// sent to the redirect URI.
func (s *Server) authorizeTarget(ctx context.Context, req *AuthorizeRequest) (*authorizeFlow, error) {
	if err := s.checkTransport(req.Secure); err != nil {
		return nil, err
	}

	if req.ClientID == "" {
		return nil, MissingParameter("client_id")
	}
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if storage.IsMiss(err) {
			return nil, ErrInvalidClient(descUnknownClient)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if req.RedirectURI != "" {
		if _, err := parseRedirectURI(req.RedirectURI); err != nil {
			s.logInvalidRedirect(client, req, err)
			return nil, InvalidParameter("redirect_uri")
		}
	}

	names := strings.Fields(req.ResponseType)
	flow := &authorizeFlow{s: s, req: req, client: client, mode: s.deliveryMode(names, req.ResponseMode)}

	if len(client.RedirectURIs) == 0 {
		exempt := len(names) > 0 && allIn(names, s.Config.RedirectURIExemptResponseTypes)
		if !exempt && !client.IsConfidential() {
			return nil, ErrInvalidClient(descNoRedirectURI)
		}
		if exempt && req.RedirectURI == "" {
			return flow, nil
		}
	}

	flow.redirectURI, err = resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		s.logInvalidRedirect(client, req, err)
		return nil, InvalidParameter("redirect_uri")
	}
	return flow, nil
}

func (s *Server) logInvalidRedirect(client *storage.Client, req *AuthorizeRequest, err error) {
	s.Logger.Warn("Rejected redirect URI", "client_id", client.ClientID, "reason", err)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventInvalidRedirect,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"redirect_uri": sanitizeURIForLogging(req.RedirectURI)},
	})
}

// deliveryMode picks how the response reaches the client: the requested
// response_mode when it is a known one, else fragment when any response
// type demands it, else query.
func (s *Server) deliveryMode(names []string, requested string) string {
	switch requested {
	case ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost:
		if requested != ResponseModeQuery || !s.needsFragment(names) {
			return requested
		}
	}
	if s.needsFragment(names) {
		return ResponseModeFragment
	}
	return ResponseModeQuery
}

func (s *Server) needsFragment(names []string) bool {
	for _, name := range names {
		if rt, ok := s.Grants.ResponseType(name); ok && rt.ResponseTypeMode() == ResponseModeFragment {
			return true
		}
	}
	return false
}

func (f *authorizeFlow) run(ctx context.Context, consent Consent) *AuthorizeResponse {
	s, req, client := f.s, f.req, f.client

	handlers, err := f.responseTypes()
	if err != nil {
		return f.fail(ctx, err)
	}

	switch req.ResponseMode {
	case "", ResponseModeFragment, ResponseModeFormPost:
	case ResponseModeQuery:
		if s.needsFragment(strings.Fields(req.ResponseType)) {
			return f.fail(ctx, InvalidParameter("response_mode"))
		}
	default:
		return f.fail(ctx, InvalidParameter("response_mode"))
	}

	challenge, method, err := f.pkce()
	if err != nil {
		return f.fail(ctx, err)
	}

	scopes, err := s.Scopes.Negotiate(client, req.Scopes())
	if err != nil {
		return f.fail(ctx, err)
	}

	if !consent.Granted {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationDenied,
			UserID:    consent.ResourceOwner,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return f.fail(ctx, ErrAccessDenied(descAccessDenied))
	}

	result := &AuthorizeResult{
		RedirectURI:         f.redirectURI,
		RedirectURIProvided: req.RedirectURI != "",
		Scopes:              scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ClientIP:            req.ClientIP,
		Params:              url.Values{},
	}
	for _, rt := range handlers {
		if err := rt.HandleAuthorizeRequest(ctx, req, client, consent.ResourceOwner, result); err != nil {
			return f.fail(ctx, err)
		}
	}
	if req.State != "" {
		result.Params.Set("state", req.State)
	}

	s.metrics().RecordAuthorization(ctx, req.ResponseType, "granted")
	return &AuthorizeResponse{RedirectURI: f.redirectURI, Params: result.Params, Mode: f.mode}
}

// responseTypes resolves the response_type parameter and authorizes the
// client for it. The client may be registered for each token or for the
// whole combination.
func (f *authorizeFlow) responseTypes() ([]ResponseType, error) {
	s, req, client := f.s, f.req, f.client

	names := strings.Fields(req.ResponseType)
	if len(names) == 0 {
		return nil, MissingParameter("response_type")
	}

	handlers := make([]ResponseType, 0, len(names))
	for i, name := range names {
		if slices.Contains(names[:i], name) {
			return nil, InvalidParameter("response_type")
		}
		rt, ok := s.Grants.ResponseType(name)
		if !ok {
			return nil, ErrUnsupportedResponseType(fmt.Sprintf("The response type %q is not supported by this server.", name))
		}
		handlers = append(handlers, rt)
	}

	if !client.AllowsResponseType(req.ResponseType) && !allIn(names, client.ResponseTypes) {
		return nil, ErrUnauthorizedClient(descResponseNotAllowed)
	}
	return handlers, nil
}

// pkce validates the code challenge and returns it with its method,
// defaulting the method when only a challenge was sent.
func (f *authorizeFlow) pkce() (string, string, error) {
	s, req, client := f.s, f.req, f.client

	challenge, method := req.CodeChallenge, req.CodeChallengeMethod
	if challenge == "" {
		if method != "" {
			return "", "", MissingParameter("code_challenge")
		}
		required := client.RequirePKCE || (s.Config.RequirePKCEForPublicClients && !client.IsConfidential())
		if required && slices.Contains(strings.Fields(req.ResponseType), ResponseTypeCode) {
			return "", "", MissingParameter("code_challenge")
		}
		return "", "", nil
	}

	if method == "" {
		method = s.Config.DefaultPKCEMethod
	}
	if !s.PKCE.Supports(method) {
		return "", "", ErrInvalidRequest(descUnsupportedPKCE)
	}
	if !validVerifierSyntax(challenge) {
		return "", "", InvalidParameter("code_challenge")
	}
	return challenge, method, nil
}

// allIn reports whether every value is in set.
func allIn(values, set []string) bool {
	for _, v := range values {
		if !slices.Contains(set, v) {
			return false
		}
	}
	return true
}
