// Package storage defines the entities and store contracts the authorization
// server core depends on.
//
// The core never holds durable state itself. Clients, authorization codes,
// access tokens, refresh tokens, resource owners and consumed assertion ids
// all live behind the interfaces declared here:
//   - ClientStore: registered OAuth clients and secret verification
//   - TokenStore: authorization codes, access tokens and refresh tokens
//   - ResourceOwnerStore: end-user credentials for the password grant
//   - AssertionReplayStore: single-use jti tracking for JWT assertions
//
// Single-use semantics are part of the contract. MarkAuthorizationCodeUsed and
// MarkRefreshTokenUsed must be atomic so that a code or refresh token can be
// redeemed at most once under concurrent use, even when the store is shared by
// several server instances.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage for development, tests and single-node deployments
//   - storage/redis: Redis-compatible distributed storage
//   - storage/sqlite: embedded SQL storage
//
// storage/storagetest holds a contract suite every implementation runs.
package storage
