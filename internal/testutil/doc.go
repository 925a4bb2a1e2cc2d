// Package testutil provides fixtures shared by the library's tests: random
// strings, PKCE pairs, pre-built clients, signing keys and client assertions.
package testutil
