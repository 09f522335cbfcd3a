// Package store provides on-disk persistence for sealchat's local state.
//
// It contains concrete implementations of the domain storage interfaces.
// All methods are concurrency-safe. Stored files typically live under the
// user’s configured home directory.
//
// The package includes:
//   - The password-wrapped private key (WrappedKeyFileStore), JSON on disk.
//   - Last-known room membership (BoltMembershipCache), a bbolt database.
package store
