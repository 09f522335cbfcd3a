package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeyBytes   = chacha20poly1305.KeySize
	NonceBytes = chacha20poly1305.NonceSize
	SaltBytes  = 16
)

var errBadKeySize = errors.New("invalid key size")

// RandomKey returns a fresh 32-byte symmetric key.
func RandomKey() ([]byte, error) {
	k := make([]byte, KeyBytes)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// RandomNonce returns a fresh ChaCha20-Poly1305 nonce.
func RandomNonce() ([]byte, error) {
	n := make([]byte, NonceBytes)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Seal encrypts plaintext under key and nonce with ChaCha20-Poly1305.
func Seal(key, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeyBytes {
		return nil, errBadKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open reverses Seal. Any tampering yields an error.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != KeyBytes {
		return nil, errBadKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}
