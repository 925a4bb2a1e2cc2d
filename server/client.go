package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// ClientRegistration describes a client to register.
type ClientRegistration struct {
	ClientName string

	// ClientType is storage.ClientTypeConfidential or storage.ClientTypePublic.
	// Empty means confidential unless TokenEndpointAuthMethod is "none".
	ClientType              string
	TokenEndpointAuthMethod string

	RedirectURIs  []string
	GrantTypes    []string // default: authorization_code
	ResponseTypes []string // default: code
	Scopes        []string
	DefaultScopes []string
	ScopePolicy   string
	RequirePKCE   bool

	// JWKS is the client's public key set for private_key_jwt.
	JWKS string

	// SecretLifetime limits the validity of the generated secret. Zero means
	// the secret never expires.
	SecretLifetime time.Duration

	ClientIP string
}

// RegisterClient creates and stores a client. It returns the client and,
// for confidential clients, the plaintext secret, which is not kept.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	if err := s.validateRedirectURIs(reg); err != nil {
		return nil, "", err
	}

	clientType, authMethod := resolveClientTypeAndAuthMethod(reg.ClientType, reg.TokenEndpointAuthMethod)
	switch clientType {
	case storage.ClientTypeConfidential, storage.ClientTypePublic:
	default:
		return nil, "", InvalidParameter("client_type")
	}
	if clientType == storage.ClientTypePublic && authMethod != AuthMethodNone {
		return nil, "", InvalidParameter("token_endpoint_auth_method")
	}
	if authMethod == AuthMethodPrivateKeyJWT {
		if _, err := ParseJWKS(reg.JWKS); err != nil {
			return nil, "", InvalidParameter("jwks")
		}
	}
	if reg.ScopePolicy != "" && !slices.Contains(s.Scopes.Policies(), reg.ScopePolicy) {
		return nil, "", InvalidParameter("scope_policy")
	}

	now := s.now()
	client := &storage.Client{
		ClientID:                oauth2.GenerateVerifier(),
		ClientType:              clientType,
		TokenEndpointAuthMethod: authMethod,
		JWKS:                    reg.JWKS,
		GrantTypes:              defaultList(reg.GrantTypes, GrantTypeAuthorizationCode),
		ResponseTypes:           defaultList(reg.ResponseTypes, ResponseTypeCode),
		RedirectURIs:            slices.Clone(reg.RedirectURIs),
		Scopes:                  slices.Clone(reg.Scopes),
		DefaultScopes:           slices.Clone(reg.DefaultScopes),
		ScopePolicy:             reg.ScopePolicy,
		RequirePKCE:             reg.RequirePKCE,
		ClientName:              reg.ClientName,
		CreatedAt:               now,
	}

	var secret string
	if clientType == storage.ClientTypeConfidential && authMethod != AuthMethodPrivateKeyJWT {
		secret = oauth2.GenerateVerifier()
		hash, err := storage.HashSecret(secret)
		if err != nil {
			return nil, "", err
		}
		client.ClientSecretHash = hash
		if authMethod == AuthMethodClientSecretJWT {
			client.AssertionKey = secret
		}
		if reg.SecretLifetime > 0 {
			client.SecretExpiresAt = now.Add(reg.SecretLifetime)
		}
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, reg.ClientIP)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)
	return client, secret, nil
}

func (s *Server) validateRedirectURIs(reg ClientRegistration) error {
	for _, uri := range reg.RedirectURIs {
		if err := ValidateRedirectURIForRegistration(uri); err != nil {
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err,
				"client_ip", reg.ClientIP)
			return InvalidParameter("redirect_uris")
		}
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string) {
	if authMethod == AuthMethodNone {
		clientType = storage.ClientTypePublic
	} else if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}

	if authMethod == "" {
		if clientType == storage.ClientTypePublic {
			authMethod = AuthMethodNone
		} else {
			authMethod = AuthMethodClientSecretBasic
		}
	}
	return clientType, authMethod
}

func defaultList(values []string, fallback string) []string {
	if len(values) == 0 {
		return []string{fallback}
	}
	return slices.Clone(values)
}
