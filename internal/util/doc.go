// Package util provides small helpers shared across the library.
//
// Key utilities:
//   - SafeTruncate: truncates token material for logging
//   - SplitScopes / JoinScopes / DedupeScopes: space-delimited scope handling
//   - IsLoopbackHostname: loopback detection for redirect URI checks
package util
