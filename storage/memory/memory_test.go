package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
	"github.com/tadaszelvys/server-library-sub000/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		s := New()
		t.Cleanup(s.Stop)
		return s
	})
}

func TestStoreContract_Encrypted(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		s := New()
		s.SetEncryptor(enc)
		t.Cleanup(s.Stop)
		return s
	})
}

func TestStoreContract_Instrumented(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		s := New()
		s.SetInstrumentation(inst)
		t.Cleanup(s.Stop)
		return s
	})
}

func TestStore_EncryptsAtRest(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	s := New()
	t.Cleanup(s.Stop)
	s.SetEncryptor(enc)
	ctx := context.Background()

	client := testutil.ConfidentialClient(t, "conf", "secret")
	client.AssertionKey = "plain-hmac-key"
	require.NoError(t, s.SaveClient(ctx, client))

	at := testutil.TestAccessToken("conf", "")
	at.Parameters = map[string]any{"mac_key": "plain-mac-key"}
	require.NoError(t, s.SaveAccessToken(ctx, at))

	s.mu.RLock()
	storedKey := s.clients["conf"].AssertionKey
	storedMac := s.accessTokens[at.Token].Parameters["mac_key"]
	s.mu.RUnlock()

	assert.NotEqual(t, "plain-hmac-key", storedKey)
	assert.NotEqual(t, "plain-mac-key", storedMac)
	assert.Equal(t, "plain-hmac-key", client.AssertionKey, "caller's value must not be modified")
}

func TestStore_Cleanup(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)
	ctx := context.Background()

	expiredCode := testutil.TestAuthorizationCode("c")
	expiredCode.ExpiresAt = time.Now().Add(-time.Hour)
	liveCode := testutil.TestAuthorizationCode("c")
	require.NoError(t, s.SaveAuthorizationCode(ctx, expiredCode))
	require.NoError(t, s.SaveAuthorizationCode(ctx, liveCode))

	expiredRT := testutil.TestRefreshToken("c", "chain-1")
	expiredRT.ExpiresAt = time.Now().Add(-time.Hour)
	liveRT := testutil.TestRefreshToken("c", "chain-1")
	require.NoError(t, s.SaveRefreshToken(ctx, expiredRT))
	require.NoError(t, s.SaveRefreshToken(ctx, liveRT))

	expiredAT := testutil.TestAccessToken("c", expiredRT.Token)
	expiredAT.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, expiredAT))

	require.NoError(t, s.MarkAssertionUsed(ctx, "old-jti", time.Now().Add(-time.Minute)))

	s.cleanup()

	_, err := s.GetAuthorizationCode(ctx, expiredCode.Code)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.GetAuthorizationCode(ctx, liveCode.Code)
	assert.NoError(t, err)

	_, err = s.GetRefreshToken(ctx, expiredRT.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetRefreshToken(ctx, liveRT.Token)
	assert.NoError(t, err)

	_, err = s.GetAccessToken(ctx, expiredAT.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	s.mu.RLock()
	assert.Equal(t, []string{liveRT.Token}, s.chains["chain-1"])
	assert.NotContains(t, s.assertions, "old-jti")
	s.mu.RUnlock()
}

func TestStore_InvalidInput(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)
	ctx := context.Background()

	assert.Error(t, s.SaveClient(ctx, nil))
	assert.Error(t, s.SaveClient(ctx, &storage.Client{}))
	assert.Error(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{}))
	assert.Error(t, s.SaveAccessToken(ctx, nil))
	assert.Error(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{}))
	assert.Error(t, s.SaveResourceOwner(ctx, &storage.ResourceOwner{}))
	assert.Error(t, s.MarkAssertionUsed(ctx, "", time.Now()))
}

func TestStore_StopIdempotent(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	s.Stop()
	s.Stop()
}
