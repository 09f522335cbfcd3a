package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"sealchat/internal/domain"
	"sealchat/internal/util/memzero"
)

const wrapInfo = "sealchat/key-wrap/v1"

// WrappedKeyBytes is the size of one wrapped symmetric key:
// ephemeral public key || sealed key || tag.
const WrappedKeyBytes = 32 + KeyBytes + 16

var errWrappedKeySize = errors.New("wrapped key has wrong size")

// WrapKey protects key for the holder of recipient's private key.
//
// A fresh ephemeral X25519 pair is generated per call; the KEK is
// HKDF-SHA256 over the shared secret salted with both public keys, so a
// zero nonce is never reused under the same KEK.
func WrapKey(recipient domain.X25519Public, key []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(ephPriv[:])

	kek, err := wrapKEK(ephPriv, recipient, ephPub, recipient)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(kek)

	nonce := make([]byte, NonceBytes)
	sealed, err := Seal(kek, nonce, key, ephPub.Slice())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, WrappedKeyBytes)
	out = append(out, ephPub[:]...)
	return append(out, sealed...), nil
}

// UnwrapKey recovers a key produced by WrapKey.
func UnwrapKey(priv domain.X25519Private, pub domain.X25519Public, wrapped []byte) ([]byte, error) {
	if len(wrapped) != WrappedKeyBytes {
		return nil, errWrappedKeySize
	}
	var ephPub domain.X25519Public
	copy(ephPub[:], wrapped[:32])

	kek, err := wrapKEK(priv, ephPub, ephPub, pub)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(kek)

	nonce := make([]byte, NonceBytes)
	return Open(kek, nonce, wrapped[32:], ephPub.Slice())
}

func wrapKEK(priv domain.X25519Private, peer, ephPub, recipient domain.X25519Public) ([]byte, error) {
	shared, err := DH(priv, peer)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(shared[:])

	salt := make([]byte, 0, 64)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, recipient[:]...)

	kek := make([]byte, KeyBytes)
	r := hkdf.New(sha256.New, shared[:], salt, []byte(wrapInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return kek, nil
}
