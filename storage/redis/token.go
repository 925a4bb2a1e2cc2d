package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateLength(code.Code, "code"); err != nil {
		return err
	}

	record := code.Clone()
	record.Used = false
	record.IssuedAccessToken = ""
	data, err := marshal("authorization code", record)
	if err != nil {
		return err
	}

	key := s.codeKey(code.Code)
	ttl := s.ttlFor(code.ExpiresAt)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		pipe.Del(ctx, usedKey(key), codeAccessKey(key))
		if code.Used {
			pipe.Set(ctx, usedKey(key), markerValue, ttl)
		}
		if code.IssuedAccessToken != "" {
			pipe.Set(ctx, codeAccessKey(key), code.IssuedAccessToken, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode returns the code, used or not.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	ctx, done := s.start(ctx, "get_authorization_code")
	defer func() { done(err) }()

	if err := validateLength(code, "code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	key := s.codeKey(code)
	data, markers, found, err := s.getRecord(ctx, key, usedKey(key), codeAccessKey(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	authCode, err = unmarshal[storage.AuthorizationCode]("authorization code", data)
	if err != nil {
		return nil, err
	}
	authCode.Used = markers[0] == markerValue
	authCode.IssuedAccessToken = markers[1]
	return authCode, nil
}

// MarkAuthorizationCodeUsed atomically consumes the code via a Lua script.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	ctx, done := s.start(ctx, "mark_authorization_code_used")
	defer func() { done(err) }()

	if err := validateLength(code, "code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	key := s.codeKey(code)
	data, alreadyUsed, found, err := s.markUsed(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	authCode, err = unmarshal[storage.AuthorizationCode]("authorization code", data)
	if err != nil {
		return nil, err
	}

	if alreadyUsed {
		authCode.Used = true
		issued, getErr := s.client.Get(ctx, codeAccessKey(key)).Result()
		if getErr == nil {
			authCode.IssuedAccessToken = issued
		}
		return authCode, storage.ErrAlreadyUsed
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// SetAuthorizationCodeAccessToken links the access token issued from a code.
func (s *Store) SetAuthorizationCodeAccessToken(ctx context.Context, code, accessToken string) (err error) {
	ctx, done := s.start(ctx, "set_authorization_code_access_token")
	defer func() { done(err) }()

	key := s.codeKey(code)
	found, err := s.setMarker(ctx, key, codeAccessKey(key), accessToken)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrAuthorizationCodeNotFound
	}
	return nil
}

// DeleteAuthorizationCode removes an authorization code and its markers.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, done := s.start(ctx, "delete_authorization_code")
	defer func() { done(err) }()

	key := s.codeKey(code)
	if err := s.client.Del(ctx, key, usedKey(key), codeAccessKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token and indexes it under its
// refresh token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	if err := validateLength(token.Token, "access token"); err != nil {
		return err
	}

	record := token.Clone()
	record.Revoked = false
	record.Parameters, err = storage.EncryptParameters(record.Parameters, s.getEncryptor())
	if err != nil {
		return err
	}
	data, err := marshal("access token", record)
	if err != nil {
		return err
	}

	key := s.accessKey(token.Token)
	ttl := s.ttlFor(token.ExpiresAt)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		if token.Revoked {
			pipe.Set(ctx, revokedKey(key), markerValue, ttl)
		}
		if token.RefreshToken != "" {
			indexKey := refreshAccessKey(s.refreshKey(token.RefreshToken))
			pipe.SAdd(ctx, indexKey, token.Token)
			if ttl > 0 {
				pipe.Expire(ctx, indexKey, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken returns the token whether revoked or not.
func (s *Store) GetAccessToken(ctx context.Context, token string) (accessToken *storage.AccessToken, err error) {
	ctx, done := s.start(ctx, "get_access_token")
	defer func() { done(err) }()

	if err := validateLength(token, "access token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	key := s.accessKey(token)
	data, markers, found, err := s.getRecord(ctx, key, revokedKey(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrTokenNotFound
	}

	accessToken, err = unmarshal[storage.AccessToken]("access token", data)
	if err != nil {
		return nil, err
	}
	accessToken.Revoked = markers[0] == markerValue
	accessToken.Parameters, err = storage.DecryptParameters(accessToken.Parameters, s.getEncryptor())
	if err != nil {
		return nil, err
	}
	return accessToken, nil
}

// RevokeAccessToken marks the token revoked. Unknown tokens are ignored.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	ctx, done := s.start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	key := s.accessKey(token)
	_, err = s.setMarker(ctx, key, revokedKey(key), markerValue)
	return err
}

// RevokeAccessTokensForRefreshToken revokes the access tokens issued
// alongside refreshToken.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) (err error) {
	ctx, done := s.start(ctx, "revoke_access_tokens_for_refresh_token")
	defer func() { done(err) }()

	_, err = s.revokeAccessForRefresh(ctx, refreshToken)
	return err
}

func (s *Store) revokeAccessForRefresh(ctx context.Context, refreshToken string) (int, error) {
	tokens, err := s.client.SMembers(ctx, refreshAccessKey(s.refreshKey(refreshToken))).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list access tokens for refresh token: %w", err)
	}

	revoked := 0
	for _, token := range tokens {
		key := s.accessKey(token)
		found, err := s.setMarker(ctx, key, revokedKey(key), markerValue)
		if err != nil {
			return revoked, err
		}
		if found {
			revoked++
		}
	}
	return revoked, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves an issued refresh token and adds it to its chain.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateLength(token.Token, "refresh token"); err != nil {
		return err
	}

	record := token.Clone()
	record.Used = false
	record.Revoked = false
	data, err := marshal("refresh token", record)
	if err != nil {
		return err
	}

	key := s.refreshKey(token.Token)
	ttl := s.ttlFor(token.ExpiresAt)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		if token.Used {
			pipe.Set(ctx, usedKey(key), markerValue, ttl)
		}
		if token.Revoked {
			pipe.Set(ctx, revokedKey(key), markerValue, ttl)
		}
		if token.ChainID != "" {
			chain := s.chainKey(token.ChainID)
			pipe.SAdd(ctx, chain, token.Token)
			if ttl > 0 {
				pipe.Expire(ctx, chain, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"chain_id", token.ChainID)
	return nil
}

// GetRefreshToken returns the token whether used, revoked or not.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (refreshToken *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	if err := validateLength(token, "refresh token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	key := s.refreshKey(token)
	data, markers, found, err := s.getRecord(ctx, key, usedKey(key), revokedKey(key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrTokenNotFound
	}

	refreshToken, err = unmarshal[storage.RefreshToken]("refresh token", data)
	if err != nil {
		return nil, err
	}
	refreshToken.Used = markers[0] == markerValue
	refreshToken.Revoked = markers[1] == markerValue
	return refreshToken, nil
}

// MarkRefreshTokenUsed atomically consumes the token via a Lua script.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, token string) (refreshToken *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "mark_refresh_token_used")
	defer func() { done(err) }()

	if err := validateLength(token, "refresh token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	key := s.refreshKey(token)
	data, alreadyUsed, found, err := s.markUsed(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrTokenNotFound
	}

	refreshToken, err = unmarshal[storage.RefreshToken]("refresh token", data)
	if err != nil {
		return nil, err
	}
	if alreadyUsed {
		refreshToken.Used = true
		return refreshToken, storage.ErrAlreadyUsed
	}
	return refreshToken, nil
}

// RevokeRefreshToken marks the token revoked. Unknown tokens are ignored.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	key := s.refreshKey(token)
	_, err = s.setMarker(ctx, key, revokedKey(key), markerValue)
	return err
}

// RevokeRefreshTokenChain revokes every refresh token of the chain and the
// access tokens issued alongside them.
func (s *Store) RevokeRefreshTokenChain(ctx context.Context, chainID string) (err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token_chain")
	defer func() { done(err) }()

	if chainID == "" {
		return nil
	}

	tokens, err := s.client.SMembers(ctx, s.chainKey(chainID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list refresh token chain: %w", err)
	}

	refreshRevoked, accessRevoked := 0, 0
	for _, token := range tokens {
		key := s.refreshKey(token)
		found, err := s.setMarker(ctx, key, revokedKey(key), markerValue)
		if err != nil {
			return err
		}
		if found {
			refreshRevoked++
		}
		n, err := s.revokeAccessForRefresh(ctx, token)
		if err != nil {
			return err
		}
		accessRevoked += n
	}

	s.logger.Info("Revoked refresh token chain",
		"chain_id", chainID,
		"refresh_tokens_revoked", refreshRevoked,
		"access_tokens_revoked", accessRevoked)
	return nil
}

// ============================================================
// AssertionReplayStore Implementation
// ============================================================

// MarkAssertionUsed records jti with SET NX until expiresAt. Assertions that
// have already expired are not recorded.
func (s *Store) MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	ctx, done := s.start(ctx, "mark_assertion_used")
	defer func() { done(err) }()

	if jti == "" {
		return fmt.Errorf("jti cannot be empty")
	}
	if err := validateLength(jti, "jti"); err != nil {
		return err
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	stored, err := s.client.SetNX(ctx, s.jtiKey(jti), markerValue, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record assertion: %w", err)
	}
	if !stored {
		return storage.ErrReplayDetected
	}
	return nil
}
