package crypto

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"sealchat/internal/domain"
)

var errNotX25519 = errors.New("key is not X25519")

// B64 returns standard base64 encoding without newlines.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// MarshalPublicKey encodes pub as PKIX DER, the form served by the key
// directory.
func MarshalPublicKey(pub domain.X25519Public) ([]byte, error) {
	k, err := ecdh.X25519().NewPublicKey(pub.Slice())
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(k)
}

// ParsePublicKey decodes a PKIX DER X25519 public key.
func ParsePublicKey(der []byte) (domain.X25519Public, error) {
	var out domain.X25519Public
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return out, fmt.Errorf("parse public key: %w", err)
	}
	ek, ok := k.(*ecdh.PublicKey)
	if !ok || ek.Curve() != ecdh.X25519() {
		return out, errNotX25519
	}
	copy(out[:], ek.Bytes())
	return out, nil
}

// MarshalPrivateKey encodes priv as PKCS#8 DER.
func MarshalPrivateKey(priv domain.X25519Private) ([]byte, error) {
	k, err := ecdh.X25519().NewPrivateKey(priv.Slice())
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKCS8PrivateKey(k)
}

// ParsePrivateKey decodes a PKCS#8 DER X25519 private key and returns
// both halves.
func ParsePrivateKey(der []byte) (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	var pub domain.X25519Public
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return priv, pub, fmt.Errorf("parse private key: %w", err)
	}
	ek, ok := k.(*ecdh.PrivateKey)
	if !ok || ek.Curve() != ecdh.X25519() {
		return priv, pub, errNotX25519
	}
	copy(priv[:], ek.Bytes())
	copy(pub[:], ek.PublicKey().Bytes())
	return priv, pub, nil
}
