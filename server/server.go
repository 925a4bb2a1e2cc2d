package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Server implements the OAuth 2.0 authorization server protocol core.
// It is independent of net/http: the root package adapts it to handlers.
//
// The registries (PKCE, Scopes, ClientAuth, Grants) are populated by New and
// may be extended before the server starts serving requests.
type Server struct {
	clientStore storage.ClientStore
	tokenStore  storage.TokenStore
	ownerStore  storage.ResourceOwnerStore
	replayStore storage.AssertionReplayStore
	tokens      TokenGenerator

	PKCE       *PKCEVerifier
	Scopes     *ScopeNegotiator
	ClientAuth *ClientAuthenticator
	Grants     *GrantRegistry

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer trace.Tracer
	clock  func() time.Time
}

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithResourceOwnerStore enables the password grant.
func WithResourceOwnerStore(store storage.ResourceOwnerStore) Option {
	return func(s *Server) { s.ownerStore = store }
}

// WithAssertionReplayStore enables JWT client assertions and the jwt-bearer
// grant. Both need a place to remember consumed assertion ids.
func WithAssertionReplayStore(store storage.AssertionReplayStore) Option {
	return func(s *Server) { s.replayStore = store }
}

// WithTokenGenerator replaces the opaque token generator.
func WithTokenGenerator(gen TokenGenerator) Option {
	return func(s *Server) { s.tokens = gen }
}

// WithAuditor sets the security auditor. Without one no audit events are written.
func WithAuditor(aud *security.Auditor) Option {
	return func(s *Server) { s.Auditor = aud }
}

// WithInstrumentation enables tracing and metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) { s.Instrumentation = inst }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.clock = now }
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
	opts ...Option,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore: clientStore,
		tokenStore:  tokenStore,
		tokens:      OpaqueTokenGenerator{},
		Config:      config,
		Logger:      logger,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(srv)
	}

	if err := srv.validateIssuer(); err != nil {
		return nil, err
	}

	if srv.Instrumentation != nil {
		srv.tracer = srv.Instrumentation.Tracer("server")
	} else {
		srv.tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	srv.PKCE = NewPKCEVerifier()
	srv.Scopes = NewScopeNegotiator(config)
	srv.ClientAuth = newClientAuthenticator(srv)
	srv.Grants = newGrantRegistry(srv)

	if !srv.PKCE.Supports(config.DefaultPKCEMethod) {
		return nil, fmt.Errorf("default PKCE method %q is not supported", config.DefaultPKCEMethod)
	}

	if _, ok := srv.Grants.GrantType(GrantTypeJWTBearer); ok && !config.RequireEncryptedAssertion {
		logger.Warn("SECURITY NOTICE: jwt-bearer assertions are accepted unencrypted",
			"risk", "Assertion claims are readable by anyone who sees the request",
			"recommendation", "Set RequireEncryptedAssertion=true and AssertionDecryptionKey")
	}

	return srv, nil
}

// validateIssuer refuses a plain-HTTP issuer outside loopback while TLS is
// required. An empty issuer is accepted; assertions then need
// AssertionAudiences to be verifiable.
func (s *Server) validateIssuer() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if util.IsLoopbackHostname(hostname) {
			s.Logger.Warn("DEVELOPMENT WARNING: Issuer uses HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"recommendation", "Use HTTPS even in development for production-like testing")
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("SECURITY ERROR: issuer must use HTTPS (got %s://%s); "+
				"set AllowInsecureHTTP only for local development", issuerURL.Scheme, hostname)
		}
		s.Logger.Error("CRITICAL SECURITY WARNING: Issuer uses HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// ClientStore returns the store clients are registered in.
func (s *Server) ClientStore() storage.ClientStore {
	return s.clientStore
}

// TokenStore returns the store codes and tokens are kept in.
func (s *Server) TokenStore() storage.TokenStore {
	return s.tokenStore
}

func (s *Server) now() time.Time {
	return s.clock()
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// oauthError converts err for delivery to the client and fills error_uri
// from Config.ErrorURIBase.
func (s *Server) oauthError(err error) *OAuthError {
	oauthErr := AsOAuthError(err)
	if oauthErr == nil {
		return nil
	}
	if s.Config.ErrorURIBase != "" && oauthErr.URI == "" {
		oauthErr = oauthErr.WithURI(s.Config.ErrorURIBase + "#" + oauthErr.Code)
	}
	return oauthErr
}

// checkTransport enforces TLS unless disabled.
func (s *Server) checkTransport(secure bool) error {
	if !s.Config.AllowInsecureHTTP && !secure {
		return ErrInvalidRequest(descInsecureRequest)
	}
	return nil
}

// ttl returns a client override in seconds, else the configured default.
func ttl(override, fallback int64) time.Duration {
	if override > 0 {
		return time.Duration(override) * time.Second
	}
	return time.Duration(fallback) * time.Second
}
