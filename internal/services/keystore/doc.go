// Package keystore owns the local private key and the public key cache.
//
// The private key is stored wrapped under a password. Two formats exist
// and are selected by an explicit tag on the blob: "v2-aead" (PBKDF2 +
// ChaCha20-Poly1305) for everything new, and "v1-stream" (PBKDF2 +
// ChaCha20 keystream) for keys written by older clients. Unlock maps
// failures onto domain.ErrBadPassword, domain.ErrNoKeyMaterial and
// domain.ErrUnsupportedContext.
//
// Public keys fetched from the directory are cached for a TTL and can be
// refreshed on demand.
package keystore
