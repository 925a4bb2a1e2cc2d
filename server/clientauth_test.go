package server

import (
	"context"
	"net/url"
	"slices"
	"testing"
	"time"

	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

const testIssuer = "https://auth.example.com"

func TestClientAuthenticator_Secrets(t *testing.T) {
	srv, store := newTestServer(t)
	saveClient(t, store, testutil.ConfidentialClient(t, "conf", "s3cret"))

	post := testutil.ConfidentialClient(t, "post", "p0st")
	post.TokenEndpointAuthMethod = AuthMethodClientSecretPost
	saveClient(t, store, post)

	expired := testutil.ConfidentialClient(t, "expired", "old")
	expired.SecretExpiresAt = time.Now().Add(-time.Hour)
	saveClient(t, store, expired)

	saveClient(t, store, testutil.PublicClient("pub", "https://app.example.com/cb"))

	tests := []struct {
		name       string
		req        *TokenRequest
		wantClient string
		wantMethod string
		wantCode   string
		wantDesc   string
	}{
		{
			name:       "basic",
			req:        basicTokenRequest("conf", "s3cret", url.Values{}),
			wantClient: "conf",
			wantMethod: AuthMethodClientSecretBasic,
		},
		{
			name:     "basic wrong secret",
			req:      basicTokenRequest("conf", "wrong", url.Values{}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
		{
			name:     "basic unknown client",
			req:      basicTokenRequest("ghost", "s3cret", url.Values{}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
		{
			name:     "basic for post-only client",
			req:      basicTokenRequest("post", "p0st", url.Values{}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
		{
			name:       "post",
			req:        tokenRequest(url.Values{"client_id": {"post"}, "client_secret": {"p0st"}}),
			wantClient: "post",
			wantMethod: AuthMethodClientSecretPost,
		},
		{
			name:     "two methods",
			req:      basicTokenRequest("conf", "s3cret", url.Values{"client_id": {"conf"}, "client_secret": {"s3cret"}}),
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: descMultipleClientAuth,
		},
		{
			name:     "client_id differs from basic credentials",
			req:      basicTokenRequest("conf", "s3cret", url.Values{"client_id": {"other"}}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
		{
			name:     "expired secret",
			req:      basicTokenRequest("expired", "old", url.Values{}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
		{
			name:       "public client",
			req:        tokenRequest(url.Values{"client_id": {"pub"}}),
			wantClient: "pub",
			wantMethod: AuthMethodNone,
		},
		{
			name:     "confidential client without secret",
			req:      tokenRequest(url.Values{"client_id": {"conf"}}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
		{
			name:     "no credentials",
			req:      tokenRequest(url.Values{}),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: descClientAuthFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac, err := srv.ClientAuth.Authenticate(context.Background(), tt.req)
			if tt.wantCode != "" {
				wantOAuthError(t, err, tt.wantCode, tt.wantDesc)
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if ac.Client.ClientID != tt.wantClient || ac.Method != tt.wantMethod {
				t.Errorf("Authenticate() = %s via %s, want %s via %s", ac.Client.ClientID, ac.Method, tt.wantClient, tt.wantMethod)
			}
		})
	}
}

func TestClientAuthenticator_Methods(t *testing.T) {
	srv, _ := newTestServer(t)
	want := []string{
		AuthMethodClientSecretBasic,
		AuthMethodClientSecretPost,
		AuthMethodPrivateKeyJWT,
		AuthMethodClientSecretJWT,
		AuthMethodNone,
	}
	if got := srv.ClientAuth.Methods(); !slices.Equal(got, want) {
		t.Errorf("Methods() = %v, want %v", got, want)
	}
}

func assertionRequest(assertion string) *TokenRequest {
	return tokenRequest(url.Values{
		"client_assertion_type": {ClientAssertionType},
		"client_assertion":      {assertion},
	})
}

func TestClientAuthenticator_PrivateKeyJWT(t *testing.T) {
	srv, store := newTestServer(t)
	key := testutil.GenerateSigningKey(t)

	client := &storage.Client{
		ClientID:                "jwt-client",
		ClientType:              storage.ClientTypeConfidential,
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
		JWKS:                    key.JWKS,
		GrantTypes:              []string{GrantTypeClientCredentials},
	}
	saveClient(t, store, client)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		signed := key.SignRS256(t, testutil.AssertionClaims("jwt-client", testIssuer))
		ac, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(signed))
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if ac.Client.ClientID != "jwt-client" || ac.Method != AuthMethodClientAssertion {
			t.Errorf("Authenticate() = %s via %s", ac.Client.ClientID, ac.Method)
		}
	})

	t.Run("replayed", func(t *testing.T) {
		signed := key.SignRS256(t, testutil.AssertionClaims("jwt-client", testIssuer))
		if _, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(signed)); err != nil {
			t.Fatalf("first Authenticate() error = %v", err)
		}
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(signed))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("wrong audience", func(t *testing.T) {
		signed := key.SignRS256(t, testutil.AssertionClaims("jwt-client", "https://elsewhere.example.com"))
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(signed))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("expired", func(t *testing.T) {
		claims := testutil.AssertionClaims("jwt-client", testIssuer)
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(key.SignRS256(t, claims)))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("signed by another key", func(t *testing.T) {
		other := testutil.GenerateSigningKey(t)
		other.KeyID = key.KeyID
		signed := other.SignRS256(t, testutil.AssertionClaims("jwt-client", testIssuer))
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(signed))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("missing claims", func(t *testing.T) {
		claims := testutil.AssertionClaims("jwt-client", testIssuer)
		delete(claims, "jti")
		delete(claims, "exp")
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(key.SignRS256(t, claims)))
		wantOAuthError(t, err, ErrorCodeInvalidRequest, `Missing mandatory claim(s): "jti", "exp".`)
	})

	t.Run("missing audience", func(t *testing.T) {
		claims := testutil.AssertionClaims("jwt-client", testIssuer)
		delete(claims, "aud")
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(key.SignRS256(t, claims)))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("iss differs from sub", func(t *testing.T) {
		claims := testutil.AssertionClaims("jwt-client", testIssuer)
		claims["iss"] = "someone-else"
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(key.SignRS256(t, claims)))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("wrong assertion type", func(t *testing.T) {
		req := assertionRequest(key.SignRS256(t, testutil.AssertionClaims("jwt-client", testIssuer)))
		req.Form.Set("client_assertion_type", "urn:example:other")
		_, err := srv.ClientAuth.Authenticate(ctx, req)
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})

	t.Run("HMAC for private_key_jwt client", func(t *testing.T) {
		signed := testutil.SignHS256(t, "shared", testutil.AssertionClaims("jwt-client", testIssuer))
		_, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(signed))
		wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
	})
}

func TestClientAuthenticator_ClientSecretJWT(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, ClientRegistration{
		ClientName:              "hmac",
		TokenEndpointAuthMethod: AuthMethodClientSecretJWT,
		GrantTypes:              []string{GrantTypeClientCredentials},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	claims := testutil.AssertionClaims(client.ClientID, srv.Config.Issuer)
	ac, err := srv.ClientAuth.Authenticate(ctx, assertionRequest(testutil.SignHS256(t, secret, claims)))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if ac.Client.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", ac.Client.ClientID, client.ClientID)
	}

	claims = testutil.AssertionClaims(client.ClientID, srv.Config.Issuer)
	_, err = srv.ClientAuth.Authenticate(ctx, assertionRequest(testutil.SignHS256(t, "not-the-secret", claims)))
	wantOAuthError(t, err, ErrorCodeInvalidClient, descClientAuthFailed)
}

func TestClientAuthenticator_AssertionAudiences(t *testing.T) {
	srv, store := newTestServer(t)
	srv.Config.AssertionAudiences = []string{"https://auth.example.com/token"}
	key := testutil.GenerateSigningKey(t)
	saveClient(t, store, &storage.Client{
		ClientID:                "aud-client",
		ClientType:              storage.ClientTypeConfidential,
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
		JWKS:                    key.JWKS,
	})

	signed := key.SignRS256(t, testutil.AssertionClaims("aud-client", "https://auth.example.com/token"))
	if _, err := srv.ClientAuth.Authenticate(context.Background(), assertionRequest(signed)); err != nil {
		t.Errorf("Authenticate() error = %v", err)
	}
}
