package server

import (
	"net/http"
	"net/url"

	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/security"
)

// MaxFormBytes bounds the request body parsed by NewTokenRequest and
// NewAuthorizeRequest.
const MaxFormBytes = 1 << 20

// BasicAuth holds credentials from an HTTP Basic Authorization header,
// already form-url-decoded (RFC 6749 section 2.3.1).
type BasicAuth struct {
	ClientID     string
	ClientSecret string
	Present      bool
}

// TokenRequest is a request to the token, revocation or introspection
// endpoint, detached from net/http.
type TokenRequest struct {
	Method    string
	Secure    bool
	Form      url.Values
	BasicAuth BasicAuth

	// Header exposes the raw headers to custom client authentication methods.
	Header   http.Header
	ClientIP string
}

// NewTokenRequest reads a token endpoint style request. POST requests are
// read from the form body, other methods from the query string.
func NewTokenRequest(r *http.Request, trustProxy bool, trustedProxyCount int) (*TokenRequest, error) {
	form, err := readForm(r)
	if err != nil {
		return nil, err
	}

	req := &TokenRequest{
		Method:   r.Method,
		Secure:   security.IsSecureRequest(r, trustProxy),
		Form:     form,
		Header:   r.Header,
		ClientIP: security.GetClientIP(r, trustProxy, trustedProxyCount),
	}

	if id, secret, ok := r.BasicAuth(); ok {
		req.BasicAuth = BasicAuth{
			ClientID:     formUnescape(id),
			ClientSecret: formUnescape(secret),
			Present:      true,
		}
	}
	return req, nil
}

// Get returns the first value of a form parameter.
func (r *TokenRequest) Get(name string) string {
	return r.Form.Get(name)
}

// GrantType returns the grant_type parameter.
func (r *TokenRequest) GrantType() string {
	return r.Form.Get("grant_type")
}

// Scopes returns the deduplicated scope parameter.
func (r *TokenRequest) Scopes() []string {
	return util.SplitScopes(r.Form.Get("scope"))
}

// AuthorizeRequest is a request to the authorization endpoint.
type AuthorizeRequest struct {
	Secure bool

	ClientID            string
	RedirectURI         string
	ResponseType        string
	ResponseMode        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Form holds every request parameter, including extension parameters.
	Form     url.Values
	ClientIP string
}

// NewAuthorizeRequest reads an authorization request from the query string
// (GET) or form body (POST).
func NewAuthorizeRequest(r *http.Request, trustProxy bool, trustedProxyCount int) (*AuthorizeRequest, error) {
	form, err := readForm(r)
	if err != nil {
		return nil, err
	}
	req := AuthorizeRequestFromValues(form)
	req.Secure = security.IsSecureRequest(r, trustProxy)
	req.ClientIP = security.GetClientIP(r, trustProxy, trustedProxyCount)
	return req, nil
}

// AuthorizeRequestFromValues builds an authorization request from its
// parameters.
func AuthorizeRequestFromValues(form url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:            form.Get("client_id"),
		RedirectURI:         form.Get("redirect_uri"),
		ResponseType:        form.Get("response_type"),
		ResponseMode:        form.Get("response_mode"),
		Scope:               form.Get("scope"),
		State:               form.Get("state"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
		Form:                form,
	}
}

// Scopes returns the deduplicated scope parameter.
func (r *AuthorizeRequest) Scopes() []string {
	return util.SplitScopes(r.Scope)
}

func readForm(r *http.Request) (url.Values, error) {
	if r.Method != http.MethodPost {
		return r.URL.Query(), nil
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, MaxFormBytes)
	}
	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest("The request body is malformed.")
	}
	return r.PostForm, nil
}

func formUnescape(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
