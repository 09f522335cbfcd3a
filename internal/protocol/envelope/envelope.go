package envelope

import (
	"errors"
	"fmt"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/util/memzero"
)

const (
	// Version is the only envelope format version this codec emits or
	// accepts.
	Version = 1
	// Algorithm identifies X25519 + HKDF-SHA256 key wrapping with a
	// ChaCha20-Poly1305 body.
	Algorithm = "x25519-hkdf-sha256/chacha20-poly1305"
)

var errNoRecipients = errors.New("envelope: no recipients")

// EncryptForOne seals plaintext for a single recipient.
//
// A fresh symmetric key and nonce are generated on every call.
func EncryptForOne(recipient domain.X25519Public, plaintext []byte) (domain.Envelope, error) {
	key, iv, ct, err := SealBody(plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer memzero.Zero(key)

	wrapped, err := crypto.WrapKey(recipient, key)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		Version:    Version,
		Algorithm:  Algorithm,
		IV:         iv,
		Ciphertext: ct,
		WrappedKey: wrapped,
	}, nil
}

// EncryptForMany seals plaintext once and wraps the same key separately
// for every recipient. Callers must include themselves in recipients so
// their own history stays readable.
func EncryptForMany(recipients map[domain.Identity]domain.X25519Public, plaintext []byte) (domain.Envelope, error) {
	if len(recipients) == 0 {
		return domain.Envelope{}, errNoRecipients
	}
	key, iv, ct, err := SealBody(plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer memzero.Zero(key)

	wrapped, err := WrapForAll(recipients, key)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		Version:     Version,
		Algorithm:   Algorithm,
		IV:          iv,
		Ciphertext:  ct,
		WrappedKeys: wrapped,
	}, nil
}

// Decrypt opens env with the local private key.
//
// The failure classes are distinct: ErrFormat for an envelope this codec
// does not understand, ErrNoKeyForSelf when a fan-out envelope has no
// entry for self, ErrAuthentication for any cryptographic failure.
func Decrypt(key domain.UnlockedPrivateKey, env domain.Envelope, self domain.Identity) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}

	wrapped := env.WrappedKey
	if env.IsFanOut() {
		w, ok := env.WrappedKeys[self]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoKeyForSelf, self)
		}
		wrapped = w
	}

	sym, err := crypto.UnwrapKey(key.Private, key.Public, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %v", domain.ErrAuthentication, err)
	}
	defer memzero.Zero(sym)

	return OpenBody(sym, env.IV, env.Ciphertext)
}

// Validate checks version, algorithm and structural invariants.
func Validate(env domain.Envelope) error {
	if env.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", domain.ErrFormat, env.Version)
	}
	if env.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", domain.ErrFormat, env.Algorithm)
	}
	if len(env.IV) != crypto.NonceBytes {
		return fmt.Errorf("%w: iv must be %d bytes", domain.ErrFormat, crypto.NonceBytes)
	}
	single := len(env.WrappedKey) > 0
	switch {
	case single && env.IsFanOut():
		return fmt.Errorf("%w: both single and fan-out key material", domain.ErrFormat)
	case !single && !env.IsFanOut():
		return fmt.Errorf("%w: no key material", domain.ErrFormat)
	}
	return nil
}

// SealBody encrypts plaintext under a fresh key and nonce and returns all
// three. The key must be wiped by the caller.
func SealBody(plaintext []byte) (key, iv, ciphertext []byte, err error) {
	key, err = crypto.RandomKey()
	if err != nil {
		return nil, nil, nil, err
	}
	iv, err = crypto.RandomNonce()
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err = crypto.Seal(key, iv, plaintext, []byte(Algorithm))
	if err != nil {
		return nil, nil, nil, err
	}
	return key, iv, ciphertext, nil
}

// OpenBody decrypts a body produced by SealBody.
func OpenBody(key, iv, ciphertext []byte) ([]byte, error) {
	pt, err := crypto.Open(key, iv, ciphertext, []byte(Algorithm))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	return pt, nil
}

// WrapForAll wraps key for every recipient.
func WrapForAll(recipients map[domain.Identity]domain.X25519Public, key []byte) (map[domain.Identity][]byte, error) {
	out := make(map[domain.Identity][]byte, len(recipients))
	for id, pub := range recipients {
		w, err := crypto.WrapKey(pub, key)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", id, err)
		}
		out[id] = w
	}
	return out, nil
}

// UnwrapFor recovers a key wrapped with WrapForAll (or WrapKey).
func UnwrapFor(key domain.UnlockedPrivateKey, wrapped []byte) ([]byte, error) {
	sym, err := crypto.UnwrapKey(key.Private, key.Public, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %v", domain.ErrAuthentication, err)
	}
	return sym, nil
}
