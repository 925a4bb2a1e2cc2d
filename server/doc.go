// Package server implements the protocol core of an OAuth 2.0 authorization
// server.
//
// The Server validates authorization, token, revocation and introspection
// requests and issues grants. It never touches net/http response writing:
// the root package turns its results and *OAuthError values into HTTP
// responses.
//
// Strategies are pluggable through name-keyed registries populated by New:
//   - PKCE methods (plain, S256)
//   - scope policies (default, error)
//   - client authentication methods (client_secret_basic, client_secret_post,
//     none, and JWT assertions when an assertion replay store is set)
//   - grant types and response types
//
// Single-use guarantees for authorization codes, refresh tokens and
// assertion ids rest on the atomic operations of the storage backends.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	config := server.DefaultConfig()
//	config.Issuer = "https://auth.example.com"
//
//	srv, err := server.New(store, store, config, logger,
//	    server.WithResourceOwnerStore(store),
//	    server.WithAssertionReplayStore(store))
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
