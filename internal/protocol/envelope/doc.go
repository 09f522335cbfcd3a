// Package envelope implements the hybrid encryption envelope used for chat
// messages and relay file keys.
//
// # Format
//
// An envelope carries an explicit version and algorithm identifier, the
// body nonce, the body ciphertext and either one wrapped symmetric key
// (1:1) or a map from identity to wrapped key (fan-out). The body is
// sealed once with ChaCha20-Poly1305 under a random key; the key is then
// wrapped per recipient with an ephemeral X25519 exchange and HKDF-SHA256.
//
// # Errors
//
//   - domain.ErrFormat: unknown version/algorithm or broken structure.
//   - domain.ErrNoKeyForSelf: fan-out envelope without an entry for self.
//   - domain.ErrAuthentication: tampered ciphertext or stale/mismatched key.
//
// Decoders never guess: anything not matching Version and Algorithm is
// rejected.
package envelope
