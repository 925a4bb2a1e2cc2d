package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
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

	if err := s.client.Set(ctx, s.clientKey(client.ClientID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	return s.getClient(ctx, clientID)
}

func (s *Store) getClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Result()
	if errors.Is(err, goredis.Nil) {
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

// ListClients lists all registered clients using SCAN.
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	ctx, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	prefix := s.clientKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		client, err := s.getClient(ctx, iter.Val()[len(prefix):])
		if errors.Is(err, storage.ErrClientNotFound) {
			// Deleted between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
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
	ctx, done := s.start(ctx, "save_resource_owner")
	defer func() { done(err) }()

	if owner == nil || owner.Username == "" {
		return fmt.Errorf("invalid resource owner")
	}

	data, err := marshal("resource owner", owner)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.ownerKey(owner.Username), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save resource owner: %w", err)
	}
	return nil
}

// ValidateResourceOwner checks a username and password. Unknown users cost
// the same bcrypt round as wrong passwords.
func (s *Store) ValidateResourceOwner(ctx context.Context, username, password string) (owner *storage.ResourceOwner, err error) {
	ctx, done := s.start(ctx, "validate_resource_owner")
	defer func() { done(err) }()

	data, getErr := s.client.Get(ctx, s.ownerKey(username)).Result()
	if getErr != nil && !errors.Is(getErr, goredis.Nil) {
		return nil, fmt.Errorf("failed to get resource owner: %w", getErr)
	}

	hash := ""
	if getErr == nil {
		owner, err = unmarshal[storage.ResourceOwner]("resource owner", data)
		if err != nil {
			return nil, err
		}
		hash = owner.PasswordHash
	}
	if !storage.CompareSecret(hash, password) {
		return nil, storage.ErrInvalidOwnerCredentials
	}
	return owner, nil
}
