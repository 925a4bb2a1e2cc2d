package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadaszelvys/server-library-sub000/internal/testutil"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
	"github.com/tadaszelvys/server-library-sub000/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Path:            filepath.Join(t.TempDir(), "oauth.db"),
		CleanupInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		return newTestStore(t)
	})
}

func TestStoreContract_Encrypted(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		s := newTestStore(t)
		s.SetEncryptor(enc)
		return s
	})
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "empty path", path: ""},
		{name: "in-memory database", path: ":memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Path: tt.path})
			assert.Error(t, err)
		})
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")
	ctx := context.Background()

	s, err := New(Config{Path: path, CleanupInterval: -1})
	require.NoError(t, err)
	require.NoError(t, s.SaveClient(ctx, testutil.PublicClient("pub", "https://example.com/cb")))
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path, CleanupInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	client, err := s.GetClient(ctx, "pub")
	require.NoError(t, err)
	assert.Equal(t, "pub", client.ClientID)
}

func TestStore_EncryptsAtRest(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	s := newTestStore(t)
	s.SetEncryptor(enc)
	ctx := context.Background()

	client := testutil.ConfidentialClient(t, "conf", "secret")
	client.AssertionKey = "plain-hmac-key"
	require.NoError(t, s.SaveClient(ctx, client))

	at := testutil.TestAccessToken("conf", "")
	at.Parameters = map[string]any{"mac_key": "plain-mac-key"}
	require.NoError(t, s.SaveAccessToken(ctx, at))

	var clientData, tokenData string
	require.NoError(t, s.db.QueryRow("SELECT data FROM clients WHERE client_id = ?", "conf").Scan(&clientData))
	require.NoError(t, s.db.QueryRow("SELECT data FROM access_tokens WHERE token = ?", at.Token).Scan(&tokenData))

	assert.NotContains(t, clientData, "plain-hmac-key")
	assert.NotContains(t, tokenData, "plain-mac-key")
}

func TestStore_DeleteExpired(t *testing.T) {
	s := newTestStore(t)
	s.retention = time.Minute
	ctx := context.Background()

	expiredCode := testutil.TestAuthorizationCode("c")
	expiredCode.ExpiresAt = time.Now().Add(-time.Hour)
	retainedCode := testutil.TestAuthorizationCode("c")
	retainedCode.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, s.SaveAuthorizationCode(ctx, expiredCode))
	require.NoError(t, s.SaveAuthorizationCode(ctx, retainedCode))

	expiredRT := testutil.TestRefreshToken("c", "chain-1")
	expiredRT.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, expiredRT))

	expiredAT := testutil.TestAccessToken("c", "")
	expiredAT.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, expiredAT))

	require.NoError(t, s.MarkAssertionUsed(ctx, "short-jti", time.Now().Add(50*time.Millisecond)))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.DeleteExpired(ctx))

	_, err := s.GetAuthorizationCode(ctx, expiredCode.Code)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.GetAuthorizationCode(ctx, retainedCode.Code)
	assert.NoError(t, err, "codes stay within the retention period for replay detection")
	_, err = s.GetRefreshToken(ctx, expiredRT.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetAccessToken(ctx, expiredAT.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM assertion_jtis").Scan(&n))
	assert.Zero(t, n)
}

func TestStore_ExpiredAssertionNotRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkAssertionUsed(ctx, "jti", time.Now().Add(-time.Second)))

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM assertion_jtis").Scan(&n))
	assert.Zero(t, n)
}

func TestStore_OversizedLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	long := testutil.GenerateRandomString(MaxTokenLength + 1)

	_, err := s.GetAccessToken(ctx, long)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.MarkRefreshTokenUsed(ctx, long)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.MarkAuthorizationCodeUsed(ctx, long)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	assert.Error(t, s.MarkAssertionUsed(ctx, long, time.Now().Add(time.Minute)))
}

func TestStore_CloseIdempotent(t *testing.T) {
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "oauth.db"), CleanupInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
