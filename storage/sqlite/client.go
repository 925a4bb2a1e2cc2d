package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	stored, err := storage.EncryptClient(client, s.getEncryptor())
	if err != nil {
		return err
	}
	data, err := marshal("client", stored)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		client.ClientID, data, toUnix(client.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	return s.getClient(ctx, clientID)
}

func (s *Store) getClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM clients WHERE client_id = ?", clientID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client, err := unmarshal[storage.Client]("client", data)
	if err != nil {
		return nil, err
	}
	return storage.DecryptClient(client, s.getEncryptor())
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison runs whether or not the client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (client *storage.Client, err error) {
	ctx, done := s.start(ctx, "validate_client_secret")
	defer func() { done(err) }()

	client, lookupErr := s.getClient(ctx, clientID)
	if lookupErr != nil && !errors.Is(lookupErr, storage.ErrClientNotFound) {
		return nil, lookupErr
	}

	hash := ""
	if lookupErr == nil && client.IsConfidential() {
		hash = client.ClientSecretHash
	}
	if !storage.CompareSecret(hash, clientSecret) {
		return nil, storage.ErrInvalidClientCredentials
	}
	return client, nil
}

// ListClients returns all clients ordered by creation time.
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	ctx, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx, "SELECT data FROM clients ORDER BY created_at, client_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	enc := s.getEncryptor()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		client, err := unmarshal[storage.Client]("client", data)
		if err != nil {
			return nil, err
		}
		client, err = storage.DecryptClient(client, enc)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// ============================================================
// ResourceOwnerStore Implementation
// ============================================================

// SaveResourceOwner creates or replaces an end user for the password grant.
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) (err error) {
	ctx, done := s.start(ctx, "save_resource_owner")
	defer func() { done(err) }()

	if owner == nil || owner.Username == "" {
		return fmt.Errorf("invalid resource owner")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource_owners (username, password_hash, disallow_refresh_tokens) VALUES (?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = excluded.password_hash,
			disallow_refresh_tokens = excluded.disallow_refresh_tokens`,
		owner.Username, owner.PasswordHash, boolToInt(owner.DisallowRefreshTokens))
	if err != nil {
		return fmt.Errorf("failed to save resource owner: %w", err)
	}
	return nil
}

// ValidateResourceOwner checks a username and password. Unknown users cost
// the same bcrypt round as wrong passwords.
func (s *Store) ValidateResourceOwner(ctx context.Context, username, password string) (owner *storage.ResourceOwner, err error) {
	ctx, done := s.start(ctx, "validate_resource_owner")
	defer func() { done(err) }()

	var (
		hash     string
		disallow bool
	)
	lookupErr := s.db.QueryRowContext(ctx,
		"SELECT password_hash, disallow_refresh_tokens FROM resource_owners WHERE username = ?",
		username).Scan(&hash, &disallow)
	if lookupErr != nil && !errors.Is(lookupErr, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get resource owner: %w", lookupErr)
	}

	if !storage.CompareSecret(hash, password) {
		return nil, storage.ErrInvalidOwnerCredentials
	}
	return &storage.ResourceOwner{
		Username:              username,
		PasswordHash:          hash,
		DisallowRefreshTokens: disallow,
	}, nil
}
