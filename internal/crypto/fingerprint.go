package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

const digestPrefix = "sha256:"

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// ContentDigest returns the "sha256:<hex>" digest of b.
func ContentDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// NewDigest returns a hash whose sum is rendered by FormatDigest.
func NewDigest() hash.Hash { return sha256.New() }

// FormatDigest renders a running digest in ContentDigest form.
func FormatDigest(h hash.Hash) string {
	return digestPrefix + hex.EncodeToString(h.Sum(nil))
}

// DigestsEqual compares two digests case-insensitively.
func DigestsEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
