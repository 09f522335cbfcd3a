package envelope_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/protocol/envelope"
)

func makeKey(t *testing.T, id domain.Identity) domain.UnlockedPrivateKey {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return domain.UnlockedPrivateKey{Identity: id, Private: priv, Public: pub}
}

func TestEncryptForOne_AliceToBob(t *testing.T) {
	bob := makeKey(t, "bob")

	env, err := envelope.EncryptForOne(bob.Public, []byte("hello"))
	require.NoError(t, err)
	require.False(t, env.IsFanOut())

	pt, err := envelope.Decrypt(bob, env, "bob")
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))

	// Flip one ciphertext byte.
	tampered := env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	_, err = envelope.Decrypt(bob, tampered, "bob")
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestEncryptForOne_FreshNonceEveryCall(t *testing.T) {
	bob := makeKey(t, "bob")

	a, err := envelope.EncryptForOne(bob.Public, []byte("same"))
	require.NoError(t, err)
	b, err := envelope.EncryptForOne(bob.Public, []byte("same"))
	require.NoError(t, err)

	require.False(t, bytes.Equal(a.IV, b.IV))
	require.False(t, bytes.Equal(a.Ciphertext, b.Ciphertext))
	require.False(t, bytes.Equal(a.WrappedKey, b.WrappedKey))
}

func TestEncryptForOne_WrongKeyIsAuthenticationFailure(t *testing.T) {
	bob := makeKey(t, "bob")
	eve := makeKey(t, "eve")

	env, err := envelope.EncryptForOne(bob.Public, []byte("hello"))
	require.NoError(t, err)

	_, err = envelope.Decrypt(eve, env, "eve")
	require.ErrorIs(t, err, domain.ErrAuthentication)
	require.NotErrorIs(t, err, domain.ErrNoKeyForSelf)
}

func TestEncryptForMany_RoundTripForEveryRecipient(t *testing.T) {
	plaintexts := [][]byte{{}, []byte("x"), bytes.Repeat([]byte("room"), 4096)}
	for _, n := range []int{1, 2, 5} {
		keys := make(map[domain.Identity]domain.UnlockedPrivateKey, n)
		pubs := make(map[domain.Identity]domain.X25519Public, n)
		for i := 0; i < n; i++ {
			id := domain.Identity(string(rune('a' + i)))
			k := makeKey(t, id)
			keys[id] = k
			pubs[id] = k.Public
		}
		for _, p := range plaintexts {
			env, err := envelope.EncryptForMany(pubs, p)
			require.NoError(t, err)
			require.Len(t, env.WrappedKeys, n)
			for id, k := range keys {
				got, err := envelope.Decrypt(k, env, id)
				require.NoError(t, err, "recipient %s", id)
				require.True(t, bytes.Equal(p, got))
			}
		}
	}
}

func TestEncryptForMany_RoomScenario(t *testing.T) {
	alice, bob, carol := makeKey(t, "alice"), makeKey(t, "bob"), makeKey(t, "carol")
	env, err := envelope.EncryptForMany(map[domain.Identity]domain.X25519Public{
		"alice": alice.Public,
		"bob":   bob.Public,
		"carol": carol.Public,
	}, []byte("hi room"))
	require.NoError(t, err)

	delete(env.WrappedKeys, "carol")

	_, err = envelope.Decrypt(carol, env, "carol")
	require.ErrorIs(t, err, domain.ErrNoKeyForSelf)
	require.NotErrorIs(t, err, domain.ErrAuthentication)

	for _, k := range []domain.UnlockedPrivateKey{alice, bob} {
		pt, err := envelope.Decrypt(k, env, k.Identity)
		require.NoError(t, err)
		require.Equal(t, "hi room", string(pt))
	}
}

func TestEncryptForMany_OutsiderIsNoKeyForSelf(t *testing.T) {
	alice := makeKey(t, "alice")
	dave := makeKey(t, "dave")

	env, err := envelope.EncryptForMany(map[domain.Identity]domain.X25519Public{"alice": alice.Public}, []byte("x"))
	require.NoError(t, err)

	_, err = envelope.Decrypt(dave, env, "dave")
	require.ErrorIs(t, err, domain.ErrNoKeyForSelf)
}

func TestEncryptForMany_NoRecipients(t *testing.T) {
	_, err := envelope.EncryptForMany(nil, []byte("x"))
	require.Error(t, err)
}

func TestDecrypt_RejectsUnknownVersionAndAlgorithm(t *testing.T) {
	bob := makeKey(t, "bob")
	env, err := envelope.EncryptForOne(bob.Public, []byte("hello"))
	require.NoError(t, err)

	v := env
	v.Version = 2
	_, err = envelope.Decrypt(bob, v, "bob")
	require.ErrorIs(t, err, domain.ErrFormat)

	a := env
	a.Algorithm = "rsa-oaep/aes-gcm"
	_, err = envelope.Decrypt(bob, a, "bob")
	require.ErrorIs(t, err, domain.ErrFormat)

	none := env
	none.WrappedKey = nil
	_, err = envelope.Decrypt(bob, none, "bob")
	require.ErrorIs(t, err, domain.ErrFormat)
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	alice, bob := makeKey(t, "alice"), makeKey(t, "bob")
	env, err := envelope.EncryptForMany(map[domain.Identity]domain.X25519Public{
		"alice": alice.Public,
		"bob":   bob.Public,
	}, []byte("over the wire"))
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded domain.Envelope
	require.NoError(t, json.Unmarshal(b, &decoded))

	pt, err := envelope.Decrypt(bob, decoded, "bob")
	require.NoError(t, err)
	require.Equal(t, "over the wire", string(pt))
}
