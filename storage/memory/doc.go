// Package memory provides an in-memory implementation of the storage interfaces.
//
// All maps are guarded by a single sync.RWMutex; the single-use operations
// (MarkAuthorizationCodeUsed, MarkRefreshTokenUsed, MarkAssertionUsed) check
// and set under the write lock, so exactly one concurrent caller wins.
// A background goroutine drops expired entries. Values are copied on the
// way in and out, so callers never share state with the store.
//
// It is suitable for development, tests and single-instance deployments.
// Multi-instance deployments should use storage/redis or storage/sqlite.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, server.DefaultConfig(), logger,
//		server.WithResourceOwnerStore(store),
//		server.WithAssertionReplayStore(store))
package memory
