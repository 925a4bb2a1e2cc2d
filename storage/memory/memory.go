package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	defaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu sync.RWMutex

	clients        map[string]*storage.Client
	resourceOwners map[string]*storage.ResourceOwner

	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// accessByRefresh indexes access tokens by the refresh token issued alongside.
	accessByRefresh map[string][]string
	// chains indexes refresh tokens by rotation chain id.
	chains map[string][]string

	// assertions maps a consumed assertion jti to its expiry.
	assertions map[string]time.Time

	encryptor *security.Encryptor
	observer  atomic.Pointer[storage.Observer]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.ClientStore          = (*Store)(nil)
	_ storage.TokenStore           = (*Store)(nil)
	_ storage.ResourceOwnerStore   = (*Store)(nil)
	_ storage.AssertionReplayStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		resourceOwners:  make(map[string]*storage.ResourceOwner),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		accessByRefresh: make(map[string][]string),
		chains:          make(map[string][]string),
		assertions:      make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor enables encryption at rest of client assertion keys and
// sensitive access token parameters.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for storage")
	}
}

// SetInstrumentation enables spans and metrics for store operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.Store(storage.NewObserver("memory", inst))
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	return s.observer.Load().Start(ctx, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := storage.EncryptClient(client.Clone(), s.encryptor)
	if err != nil {
		return err
	}
	s.clients[client.ClientID] = stored
	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	_, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	return s.getClient(clientID)
}

func (s *Store) getClient(clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return storage.DecryptClient(client.Clone(), s.encryptor)
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison runs whether or not the client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (client *storage.Client, err error) {
	_, done := s.start(ctx, "validate_client_secret")
	defer func() { done(err) }()

	client, lookupErr := s.getClient(clientID)

	hash := ""
	if lookupErr == nil && client.IsConfidential() {
		hash = client.ClientSecretHash
	}
	if !storage.CompareSecret(hash, clientSecret) {
		return nil, storage.ErrInvalidClientCredentials
	}
	return client, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	_, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients = make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		decrypted, err := storage.DecryptClient(c.Clone(), s.encryptor)
		if err != nil {
			return nil, err
		}
		clients = append(clients, decrypted)
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return clients, nil
}

// ============================================================
// ResourceOwnerStore Implementation
// ============================================================

// SaveResourceOwner saves an end user for the password grant.
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) (err error) {
	_, done := s.start(ctx, "save_resource_owner")
	defer func() { done(err) }()

	if owner == nil || owner.Username == "" {
		return fmt.Errorf("invalid resource owner")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *owner
	s.resourceOwners[owner.Username] = &stored
	return nil
}

// ValidateResourceOwner checks a username and password. Unknown users cost
// the same bcrypt round as wrong passwords.
func (s *Store) ValidateResourceOwner(ctx context.Context, username, password string) (owner *storage.ResourceOwner, err error) {
	_, done := s.start(ctx, "validate_resource_owner")
	defer func() { done(err) }()

	s.mu.RLock()
	stored, ok := s.resourceOwners[username]
	s.mu.RUnlock()

	hash := ""
	if ok {
		hash = stored.PasswordHash
	}
	if !storage.CompareSecret(hash, password) {
		return nil, storage.ErrInvalidOwnerCredentials
	}

	out := *stored
	return &out, nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code.Clone()
	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode returns a copy of the code, used or not.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	_, done := s.start(ctx, "get_authorization_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return stored.Clone(), nil
}

// MarkAuthorizationCodeUsed atomically checks and sets the used flag under
// the write lock. Only one caller observes Used == false.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	_, done := s.start(ctx, "mark_authorization_code_used")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	prior := stored.Clone()
	if stored.Used {
		return prior, storage.ErrAlreadyUsed
	}

	stored.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return prior, nil
}

// SetAuthorizationCodeAccessToken links the access token issued from a code.
func (s *Store) SetAuthorizationCodeAccessToken(ctx context.Context, code, accessToken string) (err error) {
	_, done := s.start(ctx, "set_authorization_code_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return storage.ErrAuthorizationCodeNotFound
	}
	stored.IssuedAccessToken = accessToken
	return nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	_, done := s.start(ctx, "delete_authorization_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	return nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, done := s.start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := token.Clone()
	stored.Parameters, err = storage.EncryptParameters(stored.Parameters, s.encryptor)
	if err != nil {
		return err
	}

	s.accessTokens[token.Token] = stored
	if token.RefreshToken != "" {
		s.accessByRefresh[token.RefreshToken] = append(s.accessByRefresh[token.RefreshToken], token.Token)
	}
	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken returns the token whether revoked or not.
func (s *Store) GetAccessToken(ctx context.Context, token string) (accessToken *storage.AccessToken, err error) {
	_, done := s.start(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	out := stored.Clone()
	out.Parameters, err = storage.DecryptParameters(out.Parameters, s.encryptor)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeAccessToken marks the token revoked. Unknown tokens are ignored.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	_, done := s.start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.accessTokens[token]; ok {
		stored.Revoked = true
	}
	return nil
}

// RevokeAccessTokensForRefreshToken revokes the access tokens issued
// alongside refreshToken.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) (err error) {
	_, done := s.start(ctx, "revoke_access_tokens_for_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeAccessForRefreshLocked(refreshToken)
	return nil
}

func (s *Store) revokeAccessForRefreshLocked(refreshToken string) int {
	revoked := 0
	for _, token := range s.accessByRefresh[refreshToken] {
		if stored, ok := s.accessTokens[token]; ok && !stored.Revoked {
			stored.Revoked = true
			revoked++
		}
	}
	return revoked
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; !exists && token.ChainID != "" {
		s.chains[token.ChainID] = append(s.chains[token.ChainID], token.Token)
	}
	s.refreshTokens[token.Token] = token.Clone()
	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"chain_id", token.ChainID)
	return nil
}

// GetRefreshToken returns the token whether used, revoked or not.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (refreshToken *storage.RefreshToken, err error) {
	_, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return stored.Clone(), nil
}

// MarkRefreshTokenUsed atomically checks and sets the used flag under the
// write lock. Only one caller observes Used == false.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, token string) (refreshToken *storage.RefreshToken, err error) {
	_, done := s.start(ctx, "mark_refresh_token_used")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	prior := stored.Clone()
	if stored.Used {
		return prior, storage.ErrAlreadyUsed
	}
	stored.Used = true
	return prior, nil
}

// RevokeRefreshToken marks the token revoked. Unknown tokens are ignored.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	_, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.refreshTokens[token]; ok {
		stored.Revoked = true
	}
	return nil
}

// RevokeRefreshTokenChain revokes every refresh token of the chain and the
// access tokens issued alongside them.
func (s *Store) RevokeRefreshTokenChain(ctx context.Context, chainID string) (err error) {
	_, done := s.start(ctx, "revoke_refresh_token_chain")
	defer func() { done(err) }()

	if chainID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refreshRevoked, accessRevoked := 0, 0
	for _, token := range s.chains[chainID] {
		if stored, ok := s.refreshTokens[token]; ok && !stored.Revoked {
			stored.Revoked = true
			refreshRevoked++
		}
		accessRevoked += s.revokeAccessForRefreshLocked(token)
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

// MarkAssertionUsed records jti until expiresAt.
func (s *Store) MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	_, done := s.start(ctx, "mark_assertion_used")
	defer func() { done(err) }()

	if jti == "" {
		return fmt.Errorf("jti cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, seen := s.assertions[jti]; seen && time.Now().Before(exp) {
		return storage.ErrReplayDetected
	}
	s.assertions[jti] = expiresAt
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired entries. Expiry is checked with the clock skew grace
// period so values are never removed while still acceptable.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expired := func(t time.Time) bool {
		return security.IsExpiredAt(t, now, security.DefaultClockSkewGracePeriod)
	}
	cleaned := 0

	for code, authCode := range s.authCodes {
		if expired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	for token, at := range s.accessTokens {
		if expired(at.ExpiresAt) {
			delete(s.accessTokens, token)
			cleaned++
		}
	}

	for token, rt := range s.refreshTokens {
		if !expired(rt.ExpiresAt) {
			continue
		}
		delete(s.refreshTokens, token)
		delete(s.accessByRefresh, token)
		if rt.ChainID != "" {
			remaining := slices.DeleteFunc(s.chains[rt.ChainID], func(t string) bool { return t == token })
			if len(remaining) == 0 {
				delete(s.chains, rt.ChainID)
			} else {
				s.chains[rt.ChainID] = remaining
			}
		}
		cleaned++
	}

	for jti, exp := range s.assertions {
		if now.After(exp) {
			delete(s.assertions, jti)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}
