// Package storagetest is a contract suite run against every store backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// Store is the full set of contracts a backend implements.
type Store interface {
	storage.ClientStore
	storage.TokenStore
	storage.ResourceOwnerStore
	storage.AssertionReplayStore
}

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) Store

// concurrentCallers is the number of goroutines racing on single-use values.
const concurrentCallers = 20

// Run executes the whole contract suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("ClientSecrets", func(t *testing.T) { testClientSecrets(t, newStore(t)) })
	t.Run("ResourceOwners", func(t *testing.T) { testResourceOwners(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore(t)) })
	t.Run("AuthorizationCodeSingleUseConcurrent", func(t *testing.T) { testAuthorizationCodeConcurrent(t, newStore(t)) })
	t.Run("AccessTokens", func(t *testing.T) { testAccessTokens(t, newStore(t)) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("RefreshTokenSingleUseConcurrent", func(t *testing.T) { testRefreshTokenConcurrent(t, newStore(t)) })
	t.Run("RefreshTokenChain", func(t *testing.T) { testRefreshTokenChain(t, newStore(t)) })
	t.Run("AssertionReplay", func(t *testing.T) { testAssertionReplay(t, newStore(t)) })
}

func testClients(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	pub := testutil.PublicClient("pub", "https://example.com/cb")
	pub.Scopes = []string{"read", "write"}
	pub.DefaultScopes = []string{"read"}
	pub.AccessTokenTTL = 120
	pub.CreatedAt = time.Now().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, s.SaveClient(ctx, pub))

	conf := testutil.ConfidentialClient(t, "conf", "s3cret")
	conf.AssertionKey = "hmac-key-material"
	conf.CreatedAt = time.Now().Truncate(time.Second)
	require.NoError(t, s.SaveClient(ctx, conf))

	got, err := s.GetClient(ctx, "pub")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypePublic, got.ClientType)
	assert.Equal(t, []string{"https://example.com/cb"}, got.RedirectURIs)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.Equal(t, []string{"read"}, got.DefaultScopes)
	assert.Equal(t, int64(120), got.AccessTokenTTL)

	got.RedirectURIs[0] = "https://evil.example.com"
	again, err := s.GetClient(ctx, "pub")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cb", again.RedirectURIs[0], "returned client must be a copy")

	gotConf, err := s.GetClient(ctx, "conf")
	require.NoError(t, err)
	assert.Equal(t, "hmac-key-material", gotConf.AssertionKey)

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	ids := []string{clients[0].ClientID, clients[1].ClientID}
	assert.ElementsMatch(t, []string{"pub", "conf"}, ids)

	pub.ClientName = "renamed"
	require.NoError(t, s.SaveClient(ctx, pub))
	got, err = s.GetClient(ctx, "pub")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.ClientName)
}

func testClientSecrets(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveClient(ctx, testutil.ConfidentialClient(t, "conf", "s3cret")))
	require.NoError(t, s.SaveClient(ctx, testutil.PublicClient("pub")))

	client, err := s.ValidateClientSecret(ctx, "conf", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "conf", client.ClientID)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{name: "wrong secret", clientID: "conf", secret: "nope"},
		{name: "empty secret", clientID: "conf", secret: ""},
		{name: "unknown client", clientID: "ghost", secret: "s3cret"},
		{name: "public client", clientID: "pub", secret: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			assert.ErrorIs(t, err, storage.ErrInvalidClientCredentials)
		})
	}
}

func testResourceOwners(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveResourceOwner(ctx, &storage.ResourceOwner{
		Username:              "alice",
		PasswordHash:          testutil.HashSecret(t, "wonderland"),
		DisallowRefreshTokens: true,
	}))

	owner, err := s.ValidateResourceOwner(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.Username)
	assert.True(t, owner.DisallowRefreshTokens)

	_, err = s.ValidateResourceOwner(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, storage.ErrInvalidOwnerCredentials)

	_, err = s.ValidateResourceOwner(ctx, "bob", "wonderland")
	assert.ErrorIs(t, err, storage.ErrInvalidOwnerCredentials)
}

func testAuthorizationCodes(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.MarkAuthorizationCodeUsed(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.GetAuthorizationCode(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	code := testutil.TestAuthorizationCode("client-1")
	code.CodeChallenge = "challenge"
	code.CodeChallengeMethod = "S256"
	code.RedirectURIProvided = true
	code.IssueRefreshToken = true
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.True(t, got.RedirectURIProvided)
	assert.True(t, got.IssueRefreshToken)
	assert.False(t, got.Used)

	first, err := s.MarkAuthorizationCodeUsed(ctx, code.Code)
	require.NoError(t, err)
	assert.False(t, first.Used, "first caller sees the code as unused")
	assert.Equal(t, code.ClientID, first.ClientID)

	require.NoError(t, s.SetAuthorizationCodeAccessToken(ctx, code.Code, "issued-at"))

	second, err := s.MarkAuthorizationCodeUsed(ctx, code.Code)
	require.ErrorIs(t, err, storage.ErrAlreadyUsed)
	require.NotNil(t, second, "replay must return the code for revocation")
	assert.True(t, second.Used)
	assert.Equal(t, "issued-at", second.IssuedAccessToken)

	require.NoError(t, s.DeleteAuthorizationCode(ctx, code.Code))
	_, err = s.GetAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testAuthorizationCodeConcurrent(t *testing.T, s Store) {
	ctx := context.Background()

	code := testutil.TestAuthorizationCode("client-1")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	winners := race(t, func() error {
		_, err := s.MarkAuthorizationCodeUsed(ctx, code.Code)
		return err
	})
	assert.Equal(t, 1, winners, "exactly one caller may consume the code")
}

func testAccessTokens(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetAccessToken(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	require.NoError(t, s.RevokeAccessToken(ctx, "missing"), "revoking unknown tokens is a no-op")

	at := testutil.TestAccessToken("client-1", "rt-1")
	at.Parameters = map[string]any{"mac_key": "k3y", "mac_algorithm": "hmac-sha-256"}
	require.NoError(t, s.SaveAccessToken(ctx, at))

	other := testutil.TestAccessToken("client-1", "rt-1")
	require.NoError(t, s.SaveAccessToken(ctx, other))

	unrelated := testutil.TestAccessToken("client-1", "rt-2")
	require.NoError(t, s.SaveAccessToken(ctx, unrelated))

	got, err := s.GetAccessToken(ctx, at.Token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.Equal(t, "rt-1", got.RefreshToken)
	assert.Equal(t, "k3y", got.Parameters["mac_key"])
	assert.Equal(t, "hmac-sha-256", got.Parameters["mac_algorithm"])
	assert.WithinDuration(t, at.ExpiresAt, got.ExpiresAt, time.Second)
	assert.False(t, got.Revoked)

	require.NoError(t, s.RevokeAccessToken(ctx, at.Token))
	require.NoError(t, s.RevokeAccessToken(ctx, at.Token))
	got, err = s.GetAccessToken(ctx, at.Token)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	require.NoError(t, s.RevokeAccessTokensForRefreshToken(ctx, "rt-1"))
	got, err = s.GetAccessToken(ctx, other.Token)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	got, err = s.GetAccessToken(ctx, unrelated.Token)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
}

func testRefreshTokens(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.MarkRefreshTokenUsed(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	require.NoError(t, s.RevokeRefreshToken(ctx, "missing"))

	rt := testutil.TestRefreshToken("client-1", uuid.NewString())
	rt.AccessToken = "at-1"
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	got, err := s.GetRefreshToken(ctx, rt.Token)
	require.NoError(t, err)
	assert.Equal(t, rt.ChainID, got.ChainID)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.False(t, got.Used)

	prior, err := s.MarkRefreshTokenUsed(ctx, rt.Token)
	require.NoError(t, err)
	assert.False(t, prior.Used)

	replay, err := s.MarkRefreshTokenUsed(ctx, rt.Token)
	require.ErrorIs(t, err, storage.ErrAlreadyUsed)
	require.NotNil(t, replay)
	assert.Equal(t, rt.ChainID, replay.ChainID)

	require.NoError(t, s.RevokeRefreshToken(ctx, rt.Token))
	got, err = s.GetRefreshToken(ctx, rt.Token)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.True(t, got.Used)
}

func testRefreshTokenConcurrent(t *testing.T, s Store) {
	ctx := context.Background()

	rt := testutil.TestRefreshToken("client-1", uuid.NewString())
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	winners := race(t, func() error {
		_, err := s.MarkRefreshTokenUsed(ctx, rt.Token)
		return err
	})
	assert.Equal(t, 1, winners, "exactly one caller may rotate the refresh token")
}

func testRefreshTokenChain(t *testing.T, s Store) {
	ctx := context.Background()
	chainID := uuid.NewString()

	first := testutil.TestRefreshToken("client-1", chainID)
	second := testutil.TestRefreshToken("client-1", chainID)
	second.ParentToken = first.Token
	foreign := testutil.TestRefreshToken("client-1", uuid.NewString())
	for _, rt := range []*storage.RefreshToken{first, second, foreign} {
		require.NoError(t, s.SaveRefreshToken(ctx, rt))
	}

	firstAT := testutil.TestAccessToken("client-1", first.Token)
	secondAT := testutil.TestAccessToken("client-1", second.Token)
	foreignAT := testutil.TestAccessToken("client-1", foreign.Token)
	for _, at := range []*storage.AccessToken{firstAT, secondAT, foreignAT} {
		require.NoError(t, s.SaveAccessToken(ctx, at))
	}

	require.NoError(t, s.RevokeRefreshTokenChain(ctx, chainID))

	for _, token := range []string{first.Token, second.Token} {
		got, err := s.GetRefreshToken(ctx, token)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	}
	for _, token := range []string{firstAT.Token, secondAT.Token} {
		got, err := s.GetAccessToken(ctx, token)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	}

	got, err := s.GetRefreshToken(ctx, foreign.Token)
	require.NoError(t, err)
	assert.False(t, got.Revoked, "other chains are untouched")
	gotAT, err := s.GetAccessToken(ctx, foreignAT.Token)
	require.NoError(t, err)
	assert.False(t, gotAT.Revoked)
}

func testAssertionReplay(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.MarkAssertionUsed(ctx, "jti-1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, s.MarkAssertionUsed(ctx, "jti-1", time.Now().Add(time.Minute)), storage.ErrReplayDetected)
	assert.NoError(t, s.MarkAssertionUsed(ctx, "jti-2", time.Now().Add(time.Minute)))

	require.NoError(t, s.MarkAssertionUsed(ctx, "jti-stale", time.Now().Add(-time.Minute)))
	assert.NoError(t, s.MarkAssertionUsed(ctx, "jti-stale", time.Now().Add(time.Minute)),
		"an expired record does not block reuse of the id")

	winners := race(t, func() error {
		return s.MarkAssertionUsed(ctx, "jti-race", time.Now().Add(time.Minute))
	})
	assert.Equal(t, 1, winners)
}

// race runs fn from concurrentCallers goroutines and returns the number of
// nil results. Every failure must be ErrAlreadyUsed or ErrReplayDetected.
func race(t *testing.T, fn func() error) int {
	t.Helper()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < concurrentCallers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := fn()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		if !assert.True(t, isSingleUseFailure(err), "unexpected error: %v", err) {
			break
		}
	}
	return winners
}

func isSingleUseFailure(err error) bool {
	return storage.IsMiss(err)
}
