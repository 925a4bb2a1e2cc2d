package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
	"github.com/tadaszelvys/server-library-sub000/security"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

const (
	// DefaultExpiredRetention is how long rows outlive their expiry before
	// the cleanup loop deletes them.
	DefaultExpiredRetention = time.Hour

	// DefaultCleanupInterval is how often expired rows are deleted.
	DefaultCleanupInterval = time.Minute

	// MaxTokenLength bounds token and code values. It leaves room for JWT
	// access tokens.
	MaxTokenLength = 4096

	tokenIDLogLength = 8
)

// Config holds configuration for the SQLite storage backend.
type Config struct {
	// Path is the database file (required). ":memory:" is not supported
	// because every pooled connection would see its own database.
	Path string

	// ExpiredRetention is how long rows are kept after they expire
	// (default 1 hour).
	ExpiredRetention time.Duration

	// CleanupInterval is how often expired rows are deleted (default 1
	// minute). A negative value disables the cleanup loop.
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a SQLite-backed implementation of every storage interface.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	observer atomic.Pointer[storage.Observer]

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

var (
	_ storage.ClientStore          = (*Store)(nil)
	_ storage.TokenStore           = (*Store)(nil)
	_ storage.ResourceOwnerStore   = (*Store)(nil)
	_ storage.AssertionReplayStore = (*Store)(nil)
)

// New opens the database at cfg.Path, applies pending migrations and starts
// the cleanup loop.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path == ":memory:" {
		return nil, fmt.Errorf("in-memory sqlite databases are not supported, use the memory store")
	}

	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := ApplyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// SQLite allows one writer; a single connection serializes writes
	// instead of surfacing SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		retention:   cfg.ExpiredRetention,
		logger:      cfg.Logger,
		stopCleanup: make(chan struct{}),
	}
	if s.retention <= 0 {
		s.retention = DefaultExpiredRetention
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = DefaultCleanupInterval
	}
	if interval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(interval)
	}

	s.logger.Info("Opened SQLite storage", "path", cfg.Path)
	return s, nil
}

// Close stops the cleanup loop and closes the database. It is safe to call
// more than once.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		s.wg.Wait()
		err = s.db.Close()
		s.logger.Info("SQLite storage closed")
	})
	return err
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
		s.logger.Info("Encryption at rest enabled for SQLite storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// SetInstrumentation enables spans and metrics for store operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.Store(storage.NewObserver("sqlite", inst))
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	return s.observer.Load().Start(ctx, operation)
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.DeleteExpired(context.Background()); err != nil {
				s.logger.Warn("Failed to delete expired rows", "error", err)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// DeleteExpired removes codes, tokens and assertion ids whose expiry lies
// more than the retention period in the past. Assertion ids are removed as
// soon as they expire.
func (s *Store) DeleteExpired(ctx context.Context) (err error) {
	ctx, done := s.start(ctx, "delete_expired")
	defer func() { done(err) }()

	now := time.Now()
	cutoff := toUnix(now.Add(-s.retention))

	statements := []struct {
		query string
		arg   int64
	}{
		{"DELETE FROM authorization_codes WHERE expires_at > 0 AND expires_at < ?", cutoff},
		{"DELETE FROM access_tokens WHERE expires_at > 0 AND expires_at < ?", cutoff},
		{"DELETE FROM refresh_tokens WHERE expires_at > 0 AND expires_at < ?", cutoff},
		{"DELETE FROM assertion_jtis WHERE expires_at <= ?", toUnix(now)},
	}

	var total int64
	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt.query, stmt.arg)
		if err != nil {
			return fmt.Errorf("failed to delete expired rows: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if total > 0 {
		s.logger.Debug("Deleted expired rows", "count", total)
	}
	return nil
}

// ============================================================
// Helpers
// ============================================================

// toUnix stores times as Unix nanoseconds; the zero time maps to 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func validateLength(value, field string) error {
	if len(value) > MaxTokenLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", field, MaxTokenLength)
	}
	return nil
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

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
