package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"

	"sealchat/internal/util/memzero"
)

// PrivateKeyAD is the associated data binding v2 wrapped private keys.
const PrivateKeyAD = "sealchat/private-key/v2"

// DefaultIterations is the PBKDF2 round count for newly wrapped keys.
const DefaultIterations = 310_000

var errBadSalt = errors.New("invalid salt size")

// DeriveKEK derives a key-encryption key from a password and salt using
// PBKDF2-HMAC-SHA256.
func DeriveKEK(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeyBytes, sha256.New)
}

// NewSalt returns a fresh KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// SealSecret encrypts secret with an AEAD key derived from the password.
func SealSecret(password string, secret, salt, nonce []byte, iterations int) ([]byte, error) {
	if len(salt) != SaltBytes {
		return nil, errBadSalt
	}
	kek := DeriveKEK(password, salt, iterations)
	defer memzero.Zero(kek)
	return Seal(kek, nonce, secret, []byte(PrivateKeyAD))
}

// OpenSecret reverses SealSecret. A wrong password fails authentication.
func OpenSecret(password string, ciphertext, salt, nonce []byte, iterations int) ([]byte, error) {
	if len(salt) != SaltBytes {
		return nil, errBadSalt
	}
	kek := DeriveKEK(password, salt, iterations)
	defer memzero.Zero(kek)
	return Open(kek, nonce, ciphertext, []byte(PrivateKeyAD))
}

// XORSecretLegacy applies the unauthenticated v1 ChaCha20 keystream. The
// same call both wraps and unwraps.
//
// Deprecated: kept only to unlock keys written by older clients.
func XORSecretLegacy(password string, in, salt, nonce []byte, iterations int) ([]byte, error) {
	if len(salt) != SaltBytes {
		return nil, errBadSalt
	}
	kek := DeriveKEK(password, salt, iterations)
	defer memzero.Zero(kek)
	c, err := chacha20.NewUnauthenticatedCipher(kek, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	c.XORKeyStream(out, in)
	return out, nil
}
