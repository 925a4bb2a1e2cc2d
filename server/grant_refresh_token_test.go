package server

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// passwordTokens issues a token set through the password grant for alice.
func passwordTokens(t *testing.T, srv *Server, scope string) *TokenSet {
	t.Helper()
	form := url.Values{
		"grant_type": {GrantTypePassword},
		"username":   {"alice"},
		"password":   {"wonderland"},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	set, err := srv.Token(context.Background(), basicTokenRequest("conf", "s3cret", form))
	if err != nil {
		t.Fatalf("Token(password) error = %v", err)
	}
	if set.RefreshToken == "" {
		t.Fatal("password grant should issue a refresh token")
	}
	return set
}

func newRefreshTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, store := newTestServer(t, opts...)
	saveClient(t, store, testutil.ConfidentialClient(t, "conf", "s3cret"))
	saveClient(t, store, testutil.ConfidentialClient(t, "other", "0ther"))

	alice := &storage.ResourceOwner{Username: "alice", PasswordHash: testutil.HashSecret(t, "wonderland")}
	if err := store.SaveResourceOwner(context.Background(), alice); err != nil {
		t.Fatalf("SaveResourceOwner() error = %v", err)
	}
	return srv
}

func refreshRequest(clientID, secret, refreshToken, scope string) *TokenRequest {
	form := url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {refreshToken},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return basicTokenRequest(clientID, secret, form)
}

func TestRefreshToken_Rotation(t *testing.T) {
	srv := newRefreshTestServer(t)
	ctx := context.Background()
	first := passwordTokens(t, srv, "read write")

	second, err := srv.Token(ctx, refreshRequest("conf", "s3cret", first.RefreshToken, ""))
	if err != nil {
		t.Fatalf("Token(refresh) error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Errorf("refresh token should rotate, got %q", second.RefreshToken)
	}
	if second.Scope != "read write" {
		t.Errorf("Scope = %q, want the original grant", second.Scope)
	}

	old, err := srv.TokenStore().GetAccessToken(ctx, first.AccessToken)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !old.Revoked {
		t.Error("access token of the rotated refresh token should be revoked")
	}

	oldRefresh, _ := srv.TokenStore().GetRefreshToken(ctx, first.RefreshToken)
	newRefresh, _ := srv.TokenStore().GetRefreshToken(ctx, second.RefreshToken)
	if newRefresh.ChainID != oldRefresh.ChainID || newRefresh.ParentToken != first.RefreshToken {
		t.Errorf("rotated token chain = %q parent %q, want chain %q parent %q",
			newRefresh.ChainID, newRefresh.ParentToken, oldRefresh.ChainID, first.RefreshToken)
	}
}

func TestRefreshToken_ReuseRevokesChain(t *testing.T) {
	srv := newRefreshTestServer(t)
	ctx := context.Background()
	first := passwordTokens(t, srv, "")

	second, err := srv.Token(ctx, refreshRequest("conf", "s3cret", first.RefreshToken, ""))
	if err != nil {
		t.Fatalf("Token(refresh) error = %v", err)
	}

	_, err = srv.Token(ctx, refreshRequest("conf", "s3cret", first.RefreshToken, ""))
	wantOAuthError(t, err, ErrorCodeInvalidGrant, descInvalidRefreshToken)

	rotated, err := srv.TokenStore().GetRefreshToken(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if !rotated.Revoked {
		t.Error("reuse should revoke the whole chain")
	}
	access, _ := srv.TokenStore().GetAccessToken(ctx, second.AccessToken)
	if !access.Revoked {
		t.Error("reuse should revoke the access tokens of the chain")
	}

	_, err = srv.Token(ctx, refreshRequest("conf", "s3cret", second.RefreshToken, ""))
	wantOAuthError(t, err, ErrorCodeInvalidGrant, descInvalidRefreshToken)
}

func TestRefreshToken_Errors(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	srv := newRefreshTestServer(t, WithClock(clock.Now))
	set := passwordTokens(t, srv, "read")

	tests := []struct {
		name     string
		req      *TokenRequest
		advance  time.Duration
		wantCode string
		wantDesc string
	}{
		{
			name:     "missing refresh_token",
			req:      refreshRequest("conf", "s3cret", "", ""),
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: `Missing parameter "refresh_token".`,
		},
		{
			name:     "unknown token",
			req:      refreshRequest("conf", "s3cret", "nope", ""),
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: descInvalidRefreshToken,
		},
		{
			name:     "token of another client",
			req:      refreshRequest("other", "0ther", set.RefreshToken, ""),
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: descInvalidRefreshToken,
		},
		{
			name:     "scope escalation",
			req:      refreshRequest("conf", "s3cret", set.RefreshToken, "read admin"),
			wantCode: ErrorCodeInvalidScope,
			wantDesc: `The scope "admin" is not allowed.`,
		},
		{
			name:     "expired",
			req:      refreshRequest("conf", "s3cret", set.RefreshToken, ""),
			advance:  91 * 24 * time.Hour,
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: descRefreshTokenExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			_, err := srv.Token(context.Background(), tt.req)
			wantOAuthError(t, err, tt.wantCode, tt.wantDesc)
		})
	}
}

func TestRefreshToken_NarrowScope(t *testing.T) {
	srv := newRefreshTestServer(t)
	set := passwordTokens(t, srv, "read write")

	narrowed, err := srv.Token(context.Background(), refreshRequest("conf", "s3cret", set.RefreshToken, "read"))
	if err != nil {
		t.Fatalf("Token(refresh) error = %v", err)
	}
	if narrowed.Scope != "read" {
		t.Errorf("Scope = %q, want read", narrowed.Scope)
	}
}

func TestRefreshToken_WithoutSingleUse(t *testing.T) {
	srv := newRefreshTestServer(t)
	srv.Config.DisableRefreshTokenRotation = true
	ctx := context.Background()
	set := passwordTokens(t, srv, "")

	for i := 0; i < 3; i++ {
		next, err := srv.Token(ctx, refreshRequest("conf", "s3cret", set.RefreshToken, ""))
		if err != nil {
			t.Fatalf("Token(refresh) #%d error = %v", i, err)
		}
		if next.RefreshToken != set.RefreshToken {
			t.Errorf("refresh token should be handed back unchanged, got %q", next.RefreshToken)
		}
	}
}

func TestRefreshToken_ConcurrentExchange(t *testing.T) {
	srv := newRefreshTestServer(t)
	set := passwordTokens(t, srv, "")

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.Token(context.Background(), refreshRequest("conf", "s3cret", set.RefreshToken, "")); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful exchanges = %d, want 1", got)
	}
}
