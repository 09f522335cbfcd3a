package types

// UnlockedPrivateKey is the local user's decrypted key pair. It only ever
// lives in memory and is wiped on lock.
type UnlockedPrivateKey struct {
	Identity Identity
	Private  X25519Private
	Public   X25519Public
}

// Wrapped private key formats. The discriminator is explicit so decoders
// never guess between the two.
const (
	// WrapFormatAEAD is the current format: PBKDF2 + ChaCha20-Poly1305
	// with a fixed associated-data domain string.
	WrapFormatAEAD = "v2-aead"
	// WrapFormatLegacyStream is the deprecated unauthenticated format:
	// PBKDF2 + ChaCha20 keystream XOR.
	WrapFormatLegacyStream = "v1-stream"

	// KDFPBKDF2SHA256 is the only supported password KDF.
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
)

// WrappedPrivateKey is the password-protected private key blob.
type WrappedPrivateKey struct {
	Identity   Identity `json:"identity"`
	Format     string   `json:"format"`
	KDF        string   `json:"kdf"`
	Iterations int      `json:"iterations"`
	Salt       []byte   `json:"salt"`
	Nonce      []byte   `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}
