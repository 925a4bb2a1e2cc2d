package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Client authentication method names (RFC 7591 section 2)
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
	AuthMethodClientSecretJWT   = "client_secret_jwt"
	AuthMethodNone              = "none"

	// AuthMethodClientAssertion is the registry name of the method handling
	// both private_key_jwt and client_secret_jwt.
	AuthMethodClientAssertion = "client_assertion"
)

// errClientAuthRejected marks credential failures. Every rejection is
// reported to the client as the same invalid_client error.
var errClientAuthRejected = errors.New("client authentication rejected")

func rejectClient(reason string) error {
	return fmt.Errorf("%w: %s", errClientAuthRejected, reason)
}

// ClientAuthMethod authenticates a client from the credentials of a request.
//
// Present reports whether the request carries this method's credentials.
// Authenticate returns the authenticated client; any error other than an
// invalid_request *OAuthError is reported as a generic invalid_client.
type ClientAuthMethod interface {
	Name() string
	Present(r *TokenRequest) bool
	Authenticate(ctx context.Context, r *TokenRequest) (*storage.Client, error)
}

// advertiser lets a method list the names it covers in server metadata.
type advertiser interface {
	AdvertisedMethods() []string
}

// AuthenticatedClient is a client together with the method that
// authenticated it.
type AuthenticatedClient struct {
	Client *storage.Client
	Method string
}

// ClientAuthenticator is the registry of client authentication methods.
type ClientAuthenticator struct {
	methods *registry[ClientAuthMethod]
	server  *Server
}

func newClientAuthenticator(s *Server) *ClientAuthenticator {
	a := &ClientAuthenticator{methods: newRegistry[ClientAuthMethod](), server: s}
	a.Register(&secretBasicMethod{s: s})
	a.Register(&secretPostMethod{s: s})
	if s.replayStore != nil {
		a.Register(&clientAssertionMethod{s: s})
	}
	a.Register(&noneMethod{s: s})
	return a
}

// Register adds a method. The first registration of a name wins.
func (a *ClientAuthenticator) Register(m ClientAuthMethod) bool {
	return a.methods.register(m)
}

// Methods returns the token_endpoint_auth_method names the registered
// methods cover, in registration order.
func (a *ClientAuthenticator) Methods() []string {
	var names []string
	for _, m := range a.methods.all() {
		if adv, ok := m.(advertiser); ok {
			names = append(names, adv.AdvertisedMethods()...)
			continue
		}
		names = append(names, m.Name())
	}
	return names
}

// Present reports whether r carries credentials of any registered method.
func (a *ClientAuthenticator) Present(r *TokenRequest) bool {
	return len(a.present(r)) > 0
}

// present returns the methods whose credentials r carries. The none method
// only counts when nothing else does.
func (a *ClientAuthenticator) present(r *TokenRequest) []ClientAuthMethod {
	var found []ClientAuthMethod
	for _, m := range a.methods.all() {
		if m.Present(r) {
			found = append(found, m)
		}
	}
	if len(found) > 1 {
		found = slices.DeleteFunc(found, func(m ClientAuthMethod) bool {
			return m.Name() == AuthMethodNone
		})
	}
	return found
}

// Authenticate authenticates the client of r with exactly one method.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *TokenRequest) (*AuthenticatedClient, error) {
	present := a.present(r)
	switch {
	case len(present) == 0:
		return nil, a.failure(ctx, r, "", rejectClient("no credentials"))
	case len(present) > 1:
		return nil, a.failure(ctx, r, "", ErrInvalidRequest(descMultipleClientAuth))
	}

	method := present[0]
	client, err := method.Authenticate(ctx, r)
	if err != nil {
		return nil, a.failure(ctx, r, method.Name(), err)
	}
	if id := r.Get("client_id"); id != "" && id != client.ClientID {
		return nil, a.failure(ctx, r, method.Name(), rejectClient("client_id does not match credentials"))
	}

	return &AuthenticatedClient{Client: client, Method: method.Name()}, nil
}

// failure records a failed authentication and maps err to the error
// returned to the client.
func (a *ClientAuthenticator) failure(ctx context.Context, r *TokenRequest, method string, err error) error {
	s := a.server

	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr) && oauthErr.Code == ErrorCodeInvalidRequest:
	case errors.As(err, &oauthErr), errors.Is(err, errClientAuthRejected), storage.IsMiss(err):
		oauthErr = ErrInvalidClient(descClientAuthFailed)
	default:
		s.Logger.Error("Client authentication failed with an internal error", "method", method, "error", err)
		return ErrServerError(descServerError)
	}

	s.metrics().RecordClientAuthFailed(ctx, method)
	s.Auditor.LogClientAuthFailure(clientIDHint(r), r.ClientIP, method, err.Error())
	s.Logger.Debug("Client authentication failed", "method", method, "reason", err)
	return oauthErr
}

func clientIDHint(r *TokenRequest) string {
	if r.BasicAuth.Present {
		return r.BasicAuth.ClientID
	}
	return r.Get("client_id")
}

// clientAllowsAuthMethod checks method against the client's registered
// token_endpoint_auth_method. Clients registered without one accept the
// secret methods when confidential and none when public.
func clientAllowsAuthMethod(client *storage.Client, method string) bool {
	if client.TokenEndpointAuthMethod != "" {
		return client.TokenEndpointAuthMethod == method
	}
	if client.IsConfidential() {
		return method == AuthMethodClientSecretBasic || method == AuthMethodClientSecretPost
	}
	return method == AuthMethodNone
}

// verifyClientSecret runs one bcrypt comparison for known and unknown
// clients alike, then applies the method and expiry checks.
func (s *Server) verifyClientSecret(ctx context.Context, clientID, secret, method string) (*storage.Client, error) {
	client, err := s.clientStore.ValidateClientSecret(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}
	if !clientAllowsAuthMethod(client, method) {
		return nil, rejectClient("method not allowed for client")
	}
	if client.SecretExpired(s.now()) {
		return nil, rejectClient("client secret expired")
	}
	return client, nil
}

// ============================================================
// Built-in methods
// ============================================================

type secretBasicMethod struct{ s *Server }

func (m *secretBasicMethod) Name() string { return AuthMethodClientSecretBasic }

func (m *secretBasicMethod) Present(r *TokenRequest) bool { return r.BasicAuth.Present }

func (m *secretBasicMethod) Authenticate(ctx context.Context, r *TokenRequest) (*storage.Client, error) {
	return m.s.verifyClientSecret(ctx, r.BasicAuth.ClientID, r.BasicAuth.ClientSecret, m.Name())
}

type secretPostMethod struct{ s *Server }

func (m *secretPostMethod) Name() string { return AuthMethodClientSecretPost }

func (m *secretPostMethod) Present(r *TokenRequest) bool { return r.Form.Has("client_secret") }

func (m *secretPostMethod) Authenticate(ctx context.Context, r *TokenRequest) (*storage.Client, error) {
	return m.s.verifyClientSecret(ctx, r.Get("client_id"), r.Get("client_secret"), m.Name())
}

// noneMethod identifies a public client by its client_id alone.
type noneMethod struct{ s *Server }

func (m *noneMethod) Name() string { return AuthMethodNone }

func (m *noneMethod) Present(r *TokenRequest) bool { return r.Get("client_id") != "" }

func (m *noneMethod) Authenticate(ctx context.Context, r *TokenRequest) (*storage.Client, error) {
	client, err := m.s.clientStore.GetClient(ctx, r.Get("client_id"))
	if err != nil {
		return nil, err
	}
	if client.IsConfidential() || !clientAllowsAuthMethod(client, AuthMethodNone) {
		return nil, rejectClient("client is not a public client")
	}
	return client, nil
}
