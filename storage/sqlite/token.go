package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO authorization_codes (code, client_id, data, used, issued_access_token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, data, boolToInt(code.Used), code.IssuedAccessToken, toUnix(code.ExpiresAt))
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
	return s.getAuthorizationCode(ctx, code)
}

func (s *Store) getAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var (
		data   string
		used   bool
		issued string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, used, issued_access_token FROM authorization_codes WHERE code = ?",
		code).Scan(&data, &used, &issued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	authCode, err := unmarshal[storage.AuthorizationCode]("authorization code", data)
	if err != nil {
		return nil, err
	}
	authCode.Used = used
	authCode.IssuedAccessToken = issued
	return authCode, nil
}

// MarkAuthorizationCodeUsed consumes the code with a conditional update; the
// caller whose update affects the row is the only winner.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	ctx, done := s.start(ctx, "mark_authorization_code_used")
	defer func() { done(err) }()

	if err := validateLength(code, "code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	won, err := s.markUsed(ctx, "UPDATE authorization_codes SET used = 1 WHERE code = ? AND used = 0", code)
	if err != nil {
		return nil, fmt.Errorf("failed to mark authorization code used: %w", err)
	}

	authCode, err = s.getAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !won {
		return authCode, storage.ErrAlreadyUsed
	}

	authCode.Used = false
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// SetAuthorizationCodeAccessToken links the access token issued from a code.
func (s *Store) SetAuthorizationCodeAccessToken(ctx context.Context, code, accessToken string) (err error) {
	ctx, done := s.start(ctx, "set_authorization_code_access_token")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx,
		"UPDATE authorization_codes SET issued_access_token = ? WHERE code = ?", accessToken, code)
	if err != nil {
		return fmt.Errorf("failed to link access token to authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrAuthorizationCodeNotFound
	}
	return nil
}

// DeleteAuthorizationCode removes an authorization code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, done := s.start(ctx, "delete_authorization_code")
	defer func() { done(err) }()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM authorization_codes WHERE code = ?", code); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// markUsed runs a conditional update and reports whether it changed a row.
func (s *Store) markUsed(ctx context.Context, query, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token.
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

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO access_tokens (token, client_id, refresh_token, data, revoked, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.RefreshToken, data, boolToInt(token.Revoked), toUnix(token.ExpiresAt))
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

	var (
		data    string
		revoked bool
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT data, revoked FROM access_tokens WHERE token = ?", token).Scan(&data, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	accessToken, err = unmarshal[storage.AccessToken]("access token", data)
	if err != nil {
		return nil, err
	}
	accessToken.Revoked = revoked
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

	if _, err := s.db.ExecContext(ctx, "UPDATE access_tokens SET revoked = 1 WHERE token = ?", token); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// RevokeAccessTokensForRefreshToken revokes the access tokens issued
// alongside refreshToken.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) (err error) {
	ctx, done := s.start(ctx, "revoke_access_tokens_for_refresh_token")
	defer func() { done(err) }()

	if refreshToken == "" {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE access_tokens SET revoked = 1 WHERE refresh_token = ?", refreshToken)
	if err != nil {
		return fmt.Errorf("failed to revoke access tokens for refresh token: %w", err)
	}
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves an issued refresh token.
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

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO refresh_tokens (token, client_id, chain_id, data, used, revoked, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.ChainID, data,
		boolToInt(token.Used), boolToInt(token.Revoked), toUnix(token.ExpiresAt))
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
	return s.getRefreshToken(ctx, token)
}

func (s *Store) getRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	var (
		data          string
		used, revoked bool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, used, revoked FROM refresh_tokens WHERE token = ?", token).Scan(&data, &used, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	refreshToken, err := unmarshal[storage.RefreshToken]("refresh token", data)
	if err != nil {
		return nil, err
	}
	refreshToken.Used = used
	refreshToken.Revoked = revoked
	return refreshToken, nil
}

// MarkRefreshTokenUsed consumes the token with a conditional update.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, token string) (refreshToken *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "mark_refresh_token_used")
	defer func() { done(err) }()

	if err := validateLength(token, "refresh token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	won, err := s.markUsed(ctx, "UPDATE refresh_tokens SET used = 1 WHERE token = ? AND used = 0", token)
	if err != nil {
		return nil, fmt.Errorf("failed to mark refresh token used: %w", err)
	}

	refreshToken, err = s.getRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !won {
		return refreshToken, storage.ErrAlreadyUsed
	}
	refreshToken.Used = false
	return refreshToken, nil
}

// RevokeRefreshToken marks the token revoked. Unknown tokens are ignored.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	if _, err := s.db.ExecContext(ctx, "UPDATE refresh_tokens SET revoked = 1 WHERE token = ?", token); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokenChain revokes every refresh token of the chain and the
// access tokens issued alongside them in one transaction.
func (s *Store) RevokeRefreshTokenChain(ctx context.Context, chainID string) (err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token_chain")
	defer func() { done(err) }()

	if chainID == "" {
		return nil
	}

	var refreshRevoked, accessRevoked int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE access_tokens SET revoked = 1
			WHERE refresh_token IN (SELECT token FROM refresh_tokens WHERE chain_id = ?)`, chainID)
		if err != nil {
			return fmt.Errorf("failed to revoke chain access tokens: %w", err)
		}
		accessRevoked, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, "UPDATE refresh_tokens SET revoked = 1 WHERE chain_id = ?", chainID)
		if err != nil {
			return fmt.Errorf("failed to revoke refresh token chain: %w", err)
		}
		refreshRevoked, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
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

// MarkAssertionUsed records jti until expiresAt. The upsert only replaces a
// row whose expiry has passed, so a live jti leaves no row affected.
// Assertions that have already expired are not recorded.
func (s *Store) MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	ctx, done := s.start(ctx, "mark_assertion_used")
	defer func() { done(err) }()

	if jti == "" {
		return fmt.Errorf("jti cannot be empty")
	}
	if err := validateLength(jti, "jti"); err != nil {
		return err
	}

	now := time.Now()
	if !expiresAt.After(now) {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO assertion_jtis (jti, expires_at) VALUES (?, ?)
		ON CONFLICT (jti) DO UPDATE SET expires_at = excluded.expires_at
		WHERE assertion_jtis.expires_at <= ?`,
		jti, toUnix(expiresAt), toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to record assertion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrReplayDetected
	}
	return nil
}
