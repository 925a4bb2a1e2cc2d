package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth:"

	// DefaultExpiredRetention is how long records outlive their expiry.
	DefaultExpiredRetention = time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength bounds token and code values. It leaves room for JWT
	// access tokens.
	MaxTokenLength = 4096

	markerValue = "1"
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Redis authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// ExpiredRetention is how long records are kept after they expire
	// (default 1 hour).
	ExpiredRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of every storage interface.
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *slog.Logger

	// encryptor provides optional encryption at rest; guarded by encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	observer atomic.Pointer[storage.Observer]
}

var (
	_ storage.ClientStore          = (*Store)(nil)
	_ storage.TokenStore           = (*Store)(nil)
	_ storage.ResourceOwnerStore   = (*Store)(nil)
	_ storage.AssertionReplayStore = (*Store)(nil)
)

// New connects to Redis and returns a store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB and TLS of
// cfg are ignored.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	s.logger.Info("Redis storage connection closed")
	return s.client.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest of client assertion keys and
// sensitive access token parameters.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Redis storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// SetInstrumentation enables spans and metrics for store operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.Store(storage.NewObserver("redis", inst))
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	return s.observer.Load().Start(ctx, operation)
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) ownerKey(username string) string  { return s.prefix + "owner:" + username }
func (s *Store) codeKey(code string) string       { return s.prefix + "code:" + code }
func (s *Store) accessKey(token string) string    { return s.prefix + "at:" + token }
func (s *Store) refreshKey(token string) string   { return s.prefix + "rt:" + token }
func (s *Store) chainKey(chainID string) string   { return s.prefix + "chain:" + chainID }
func (s *Store) jtiKey(jti string) string         { return s.prefix + "jti:" + jti }

func usedKey(key string) string          { return key + ":used" }
func revokedKey(key string) string       { return key + ":revoked" }
func codeAccessKey(key string) string    { return key + ":access_token" }
func refreshAccessKey(key string) string { return key + ":access" }

// ttlFor returns the key lifetime for a record expiring at expiresAt.
// Zero means no expiry.
func (s *Store) ttlFor(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt) + s.retention
	if ttl <= 0 {
		// Already past retention; keep it briefly so the write is observable.
		return time.Second
	}
	return ttl
}

func validateLength(value, field string) error {
	if len(value) > MaxTokenLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", field, MaxTokenLength)
	}
	return nil
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// markUsedScript reads a record and sets its used marker in one step.
//
// KEYS[1] = record key, KEYS[2] = used marker key
//
// Returns nil when the record does not exist, otherwise {record, prior}
// where prior is "1" if the marker was already set and "0" otherwise. The
// marker inherits the record's remaining TTL.
var markUsedScript = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {data, '1'}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ttl)
else
    redis.call('SET', KEYS[2], '1')
end
return {data, '0'}
`)

// setMarkerScript sets a marker next to an existing record, inheriting its TTL.
//
// KEYS[1] = record key, KEYS[2] = marker key, ARGV[1] = marker value
//
// Returns 0 when the record does not exist, 1 otherwise.
var setMarkerScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[2], ARGV[1], 'PX', ttl)
else
    redis.call('SET', KEYS[2], ARGV[1])
end
return 1
`)

// markUsed runs markUsedScript. found is false for unknown records.
func (s *Store) markUsed(ctx context.Context, key string) (data string, alreadyUsed, found bool, err error) {
	res, err := markUsedScript.Run(ctx, s.client, []string{key, usedKey(key)}).Slice()
	if errors.Is(err, goredis.Nil) {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, fmt.Errorf("failed to execute atomic mark: %w", err)
	}
	if len(res) != 2 {
		return "", false, false, fmt.Errorf("unexpected atomic mark reply of length %d", len(res))
	}
	data, _ = res[0].(string)
	prior, _ := res[1].(string)
	return data, prior == markerValue, true, nil
}

// setMarker runs setMarkerScript. It reports whether the record exists.
func (s *Store) setMarker(ctx context.Context, recordKey, markerKey, value string) (bool, error) {
	n, err := setMarkerScript.Run(ctx, s.client, []string{recordKey, markerKey}, value).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set marker: %w", err)
	}
	return n == 1, nil
}

// getRecord loads key and its markers with one MGET. found is false when
// the record itself is missing; markers holds the values of markerKeys
// ("" when unset).
func (s *Store) getRecord(ctx context.Context, key string, markerKeys ...string) (data string, markers []string, found bool, err error) {
	keys := append([]string{key}, markerKeys...)
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if vals[0] == nil {
		return "", nil, false, nil
	}
	data, _ = vals[0].(string)
	markers = make([]string, len(markerKeys))
	for i := range markerKeys {
		if v, ok := vals[i+1].(string); ok {
			markers[i] = v
		}
	}
	return data, markers, true, nil
}

func marshal(kind string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return string(data), nil
}

func unmarshal[T any](kind, data string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return &v, nil
}
