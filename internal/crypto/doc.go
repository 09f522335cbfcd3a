// Package crypto exposes the minimal primitives used by sealchat.
//
// Contents
//
//   - X25519 key generation and Diffie–Hellman (GenerateX25519, DH)
//   - PKIX / PKCS#8 encodings for X25519 keys (MarshalPublicKey,
//     ParsePrivateKey, ...)
//   - ChaCha20-Poly1305 body encryption (Seal, Open)
//   - Hybrid key wrapping for one recipient (WrapKey, UnwrapKey)
//   - Password-derived key wrapping, current and legacy (SealSecret,
//     OpenSecret, XORSecretLegacy)
//   - Content digests and short fingerprints for display/logging
//
// # Notes
//
// Key types are the fixed-size arrays defined in internal/domain. Callers
// should treat returned secrets as sensitive and wipe them with
// util/memzero when practical.
package crypto
