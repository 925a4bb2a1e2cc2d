// Package redis provides a Redis storage backend built on go-redis.
//
// It implements every storage interface of the library and is suitable for
// multi-instance deployments that share state through Redis (or a
// wire-compatible server such as Valkey).
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}            -> JSON(Client)
//	{prefix}owner:{username}             -> JSON(ResourceOwner)
//	{prefix}code:{code}                  -> JSON(AuthorizationCode)
//	{prefix}code:{code}:used             -> "1" once consumed
//	{prefix}code:{code}:access_token     -> access token issued from the code
//	{prefix}at:{token}                   -> JSON(AccessToken)
//	{prefix}at:{token}:revoked           -> "1" once revoked
//	{prefix}rt:{token}                   -> JSON(RefreshToken)
//	{prefix}rt:{token}:used              -> "1" once rotated
//	{prefix}rt:{token}:revoked           -> "1" once revoked
//	{prefix}rt:{token}:access            -> SET of access tokens issued alongside
//	{prefix}chain:{chainID}              -> SET of refresh tokens in the chain
//	{prefix}jti:{jti}                    -> "1" until the assertion expires
//
// Mutable flags live in marker keys next to the immutable JSON record, so
// the records never need to be decoded inside Redis.
//
// # Atomic Operations
//
// MarkAuthorizationCodeUsed and MarkRefreshTokenUsed run a Lua script that
// reads the record and sets the used marker in one step, so only one
// concurrent caller wins. MarkAssertionUsed relies on SET NX.
//
// Records carry a TTL of their remaining lifetime plus Config.ExpiredRetention,
// which keeps consumed codes and rotated refresh tokens around long enough to
// detect replays.
//
// # Configuration
//
//	store, err := redis.New(redis.Config{
//	    Address:   "localhost:6379",
//	    Password:  os.Getenv("REDIS_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauth:",
//	})
//
// An existing client can be wrapped with NewWithClient.
package redis
