package fallback_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/log"
	"sealchat/internal/relay"
	"sealchat/internal/services/audience"
	"sealchat/internal/services/fallback"
	"sealchat/internal/services/keystore"
	"sealchat/internal/services/message"
	"sealchat/internal/store"
)

type user struct {
	keys     *keystore.Service
	msgs     *message.Service
	fallback *fallback.Service
}

func newUser(t *testing.T, m *relay.Memory, id domain.Identity) *user {
	t.Helper()
	l := log.Discard()
	ks := keystore.New(id, store.NewWrappedKeyFileStore(t.TempDir()), m,
		l.GetLogger("keystore"), keystore.Options{Iterations: 1000})
	pk, _, err := ks.Create("pw")
	require.NoError(t, err)
	der, err := crypto.MarshalPublicKey(pk.Key)
	require.NoError(t, err)
	require.NoError(t, m.PublishPublicKey(context.Background(), id, der))

	aud := audience.New(ks, m, nil, l.GetLogger("audience"), audience.Options{})
	msgs := message.New(ks, aud, m, m, l.GetLogger("message"), message.Policy{})
	return &user{keys: ks, msgs: msgs, fallback: fallback.New(ks, aud, m, msgs, l.GetLogger("fallback"))}
}

// pointer reads the single file pointer waiting for u.
func (u *user) pointer(t *testing.T) domain.FilePointer {
	t.Helper()
	got, err := u.msgs.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	p, ok := message.ParseFilePointer(got[0].Plaintext)
	require.True(t, ok)
	return p
}

func TestSendDirect_RoundTrip(t *testing.T) {
	for _, data := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("abc"), 10000)} {
		m := relay.NewMemory()
		alice := newUser(t, m, "alice")
		bob := newUser(t, m, "bob")
		ctx := context.Background()

		var last domain.Progress
		meta := domain.FileMeta{Name: "f.bin", MimeType: "application/octet-stream"}
		id, err := alice.fallback.SendDirect(ctx, "t1", "bob", meta, bytes.NewReader(data), func(p domain.Progress) { last = p })
		require.NoError(t, err)
		require.Equal(t, last.Total, last.Done)

		p := bob.pointer(t)
		require.Equal(t, id, p.FileID)
		require.Equal(t, int64(len(data)), p.Size)
		require.Equal(t, crypto.ContentDigest(data), p.ContentDigest)

		got, gotMeta, err := bob.fallback.Fetch(ctx, p.FileID)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got))
		require.Equal(t, "f.bin", gotMeta.Name)

		// The sender can read back its own upload.
		_, _, err = alice.fallback.Fetch(ctx, p.FileID)
		require.NoError(t, err)
	}
}

func TestSendDirect_OutsiderCannotFetch(t *testing.T) {
	m := relay.NewMemory()
	alice := newUser(t, m, "alice")
	newUser(t, m, "bob")
	eve := newUser(t, m, "eve")
	ctx := context.Background()

	id, err := alice.fallback.SendDirect(ctx, "t1", "bob", domain.FileMeta{Name: "s"}, bytes.NewReader([]byte("secret")), nil)
	require.NoError(t, err)

	_, _, err = eve.fallback.Fetch(ctx, id)
	require.ErrorIs(t, err, domain.ErrNoKeyForSelf)
}

func TestSendDirect_UploadFailureIsTerminal(t *testing.T) {
	m := relay.NewMemory()
	alice := newUser(t, m, "alice")
	bob := newUser(t, m, "bob")
	m.FailUploads(errors.New("disk full"))

	_, err := alice.fallback.SendDirect(context.Background(), "t1", "bob", domain.FileMeta{Name: "f"}, bytes.NewReader([]byte("x")), nil)
	require.ErrorIs(t, err, domain.ErrRelayUploadFailure)

	got, err := bob.msgs.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, got, "no pointer without an upload")
}

func TestSendDirect_MissingPeerKey(t *testing.T) {
	m := relay.NewMemory()
	alice := newUser(t, m, "alice")

	_, err := alice.fallback.SendDirect(context.Background(), "t1", "ghost", domain.FileMeta{Name: "f"}, bytes.NewReader([]byte("x")), nil)
	require.ErrorIs(t, err, domain.ErrMissingKeys)
}

func TestSendDirect_RefreshesRotatedKey(t *testing.T) {
	m := relay.NewMemory()
	alice := newUser(t, m, "alice")
	bob := newUser(t, m, "bob")
	ctx := context.Background()

	// Warm alice's cache with bob's first key.
	_, err := alice.fallback.SendDirect(ctx, "t1", "bob", domain.FileMeta{Name: "a"}, bytes.NewReader([]byte("one")), nil)
	require.NoError(t, err)
	_, err = bob.fallback.FetchPointer(ctx, bob.pointer(t))
	require.NoError(t, err)

	pk, _, err := bob.keys.Create("pw2")
	require.NoError(t, err)
	der, err := crypto.MarshalPublicKey(pk.Key)
	require.NoError(t, err)
	require.NoError(t, m.PublishPublicKey(ctx, "bob", der))

	data := []byte("after rotation")
	_, err = alice.fallback.SendDirect(ctx, "t2", "bob", domain.FileMeta{Name: "b"}, bytes.NewReader(data), nil)
	require.NoError(t, err)
	got, err := bob.fallback.FetchPointer(ctx, bob.pointer(t))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSendRoom_EveryMemberCanFetch(t *testing.T) {
	m := relay.NewMemory()
	alice := newUser(t, m, "alice")
	bob := newUser(t, m, "bob")
	carol := newUser(t, m, "carol")
	m.SetMembers("lobby", "alice", "bob", "carol")
	ctx := context.Background()

	data := []byte("room file")
	_, err := alice.fallback.SendRoom(ctx, "t1", "lobby", domain.FileMeta{Name: "r.txt"}, bytes.NewReader(data), nil)
	require.NoError(t, err)

	for _, u := range []*user{bob, carol} {
		got, err := u.fallback.FetchPointer(ctx, u.pointer(t))
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}

func TestFetch_DigestMismatchStillReturnsData(t *testing.T) {
	m := relay.NewMemory()
	alice := newUser(t, m, "alice")
	bob := newUser(t, m, "bob")
	ctx := context.Background()

	meta := domain.FileMeta{Name: "f", ContentDigest: crypto.ContentDigest([]byte("other"))}
	id, err := alice.fallback.SendDirect(ctx, "t1", "bob", meta, bytes.NewReader([]byte("actual")), nil)
	require.NoError(t, err)

	got, _, err := bob.fallback.Fetch(ctx, id)
	require.ErrorIs(t, err, domain.ErrIntegrityMismatch)
	require.Equal(t, "actual", string(got))
}

func TestFetch_Locked(t *testing.T) {
	m := relay.NewMemory()
	bob := newUser(t, m, "bob")
	bob.keys.Lock()
	_, _, err := bob.fallback.Fetch(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrLocked)
}
