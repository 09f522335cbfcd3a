package keystore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/log"
	"sealchat/internal/relay"
	"sealchat/internal/services/keystore"
	"sealchat/internal/store"
)

const iterations = 1000

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, dir domain.KeyDirectory, opts keystore.Options) (*keystore.Service, *store.WrappedKeyFileStore) {
	t.Helper()
	ks := store.NewWrappedKeyFileStore(t.TempDir())
	if opts.Iterations == 0 {
		opts.Iterations = iterations
	}
	return keystore.New("alice", ks, dir, log.Discard().GetLogger("keystore"), opts), ks
}

func sealed(t *testing.T, ks domain.WrappedKeyStore, password, format string) domain.X25519Public {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	blob, err := keystore.Seal("alice", password, priv, format, iterations)
	require.NoError(t, err)
	require.NoError(t, ks.SaveWrappedKey(blob))
	return pub
}

func TestUnlock_BothFormats(t *testing.T) {
	for _, format := range []string{domain.WrapFormatAEAD, domain.WrapFormatLegacyStream} {
		t.Run(format, func(t *testing.T) {
			svc, ks := newService(t, relay.NewMemory(), keystore.Options{})
			pub := sealed(t, ks, "correct horse", format)

			k, err := svc.Unlock(context.Background(), "correct horse")
			require.NoError(t, err)
			require.Equal(t, pub, k.Public)
			require.Equal(t, domain.Identity("alice"), k.Identity)
		})
	}
}

func TestUnlock_WrongPasswordIsBadPassword(t *testing.T) {
	for _, format := range []string{domain.WrapFormatAEAD, domain.WrapFormatLegacyStream} {
		t.Run(format, func(t *testing.T) {
			svc, ks := newService(t, relay.NewMemory(), keystore.Options{})
			sealed(t, ks, "correct horse", format)

			_, err := svc.Unlock(context.Background(), "battery staple")
			require.ErrorIs(t, err, domain.ErrBadPassword)

			_, err = svc.PrivateKey()
			require.ErrorIs(t, err, domain.ErrLocked)
		})
	}
}

func TestUnlock_NoKeyMaterial(t *testing.T) {
	svc, _ := newService(t, relay.NewMemory(), keystore.Options{})
	_, err := svc.Unlock(context.Background(), "pw")
	require.ErrorIs(t, err, domain.ErrNoKeyMaterial)
}

func TestUnlock_UnsupportedContext(t *testing.T) {
	svc, ks := newService(t, relay.NewMemory(), keystore.Options{})
	sealed(t, ks, "pw", domain.WrapFormatAEAD)

	blob, _, err := ks.LoadWrappedKey()
	require.NoError(t, err)

	blob.Format = "v9-quantum"
	require.NoError(t, ks.SaveWrappedKey(blob))
	_, err = svc.Unlock(context.Background(), "pw")
	require.ErrorIs(t, err, domain.ErrUnsupportedContext)

	blob.Format = domain.WrapFormatAEAD
	blob.KDF = "argon2id"
	require.NoError(t, ks.SaveWrappedKey(blob))
	_, err = svc.Unlock(context.Background(), "pw")
	require.ErrorIs(t, err, domain.ErrUnsupportedContext)
}

func TestUnlock_ConcurrentCallsAgree(t *testing.T) {
	svc, ks := newService(t, relay.NewMemory(), keystore.Options{})
	pub := sealed(t, ks, "pw", domain.WrapFormatAEAD)

	var wg sync.WaitGroup
	results := make([]domain.X25519Public, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := svc.Unlock(context.Background(), "pw")
			results[i], errs[i] = k.Public, err
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, pub, results[i])
	}
}

// gatedStore holds every LoadWrappedKey until release is closed.
type gatedStore struct {
	domain.WrappedKeyStore
	entered chan struct{}
	release chan struct{}
}

func gate(ks domain.WrappedKeyStore) *gatedStore {
	return &gatedStore{WrappedKeyStore: ks, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedStore) LoadWrappedKey() (domain.WrappedPrivateKey, bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.WrappedKeyStore.LoadWrappedKey()
}

func newGated(t *testing.T) (*keystore.Service, *gatedStore) {
	t.Helper()
	ks := store.NewWrappedKeyFileStore(t.TempDir())
	sealed(t, ks, "pw", domain.WrapFormatAEAD)
	g := gate(ks)
	return keystore.New("alice", g, relay.NewMemory(), log.Discard().GetLogger("keystore"),
		keystore.Options{Iterations: iterations}), g
}

func TestUnlock_DifferentPasswordsDoNotShareResult(t *testing.T) {
	svc, g := newGated(t)

	errc := make(chan error, 2)
	for _, pw := range []string{"pw", "wrong"} {
		go func(pw string) {
			_, err := svc.Unlock(context.Background(), pw)
			errc <- err
		}(pw)
	}
	<-g.entered
	<-g.entered
	close(g.release)

	var bad, ok int
	for range 2 {
		switch err := <-errc; {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrBadPassword):
			bad++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, bad)
}

func TestUnlock_LockDuringUnlockWins(t *testing.T) {
	svc, g := newGated(t)

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Unlock(context.Background(), "pw")
		errc <- err
	}()
	<-g.entered
	svc.Lock()
	close(g.release)

	require.ErrorIs(t, <-errc, domain.ErrLocked)
	_, err := svc.PrivateKey()
	require.ErrorIs(t, err, domain.ErrLocked)

	// A fresh attempt after the lock succeeds.
	_, err = svc.Unlock(context.Background(), "pw")
	require.NoError(t, err)
}

func TestLock_IsIdempotentAndWipes(t *testing.T) {
	svc, ks := newService(t, relay.NewMemory(), keystore.Options{})
	sealed(t, ks, "pw", domain.WrapFormatAEAD)

	_, err := svc.Unlock(context.Background(), "pw")
	require.NoError(t, err)

	svc.Lock()
	svc.Lock()
	_, err = svc.PrivateKey()
	require.ErrorIs(t, err, domain.ErrLocked)
}

func TestPrivateKey_SessionIdleTimeout(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	svc, ks := newService(t, relay.NewMemory(), keystore.Options{SessionTTL: time.Minute, Now: clk.Now})
	sealed(t, ks, "pw", domain.WrapFormatAEAD)

	_, err := svc.Unlock(context.Background(), "pw")
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	_, err = svc.PrivateKey()
	require.NoError(t, err, "use refreshes the idle timer")

	clk.Advance(61 * time.Second)
	_, err = svc.PrivateKey()
	require.ErrorIs(t, err, domain.ErrLocked)
}

func TestCreate_ThenUnlockAfterLock(t *testing.T) {
	svc, _ := newService(t, relay.NewMemory(), keystore.Options{})
	pk, fp, err := svc.Create("pw")
	require.NoError(t, err)
	require.NotEmpty(t, fp)

	svc.Lock()
	k, err := svc.Unlock(context.Background(), "pw")
	require.NoError(t, err)
	require.Equal(t, pk.Key, k.Public)
}

func TestGetPublicKey_CacheTTLAndForceRefresh(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	dir := relay.NewMemory()
	svc, _ := newService(t, dir, keystore.Options{CacheTTL: time.Minute, Now: clk.Now})
	ctx := context.Background()

	_, bobPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	der, err := crypto.MarshalPublicKey(bobPub)
	require.NoError(t, err)
	require.NoError(t, dir.PublishPublicKey(ctx, "bob", der))

	k, err := svc.GetPublicKey(ctx, "bob", false)
	require.NoError(t, err)
	require.Equal(t, bobPub, k.Key)
	require.Equal(t, 1, dir.KeyFetches("bob"))

	_, err = svc.GetPublicKey(ctx, "bob", false)
	require.NoError(t, err)
	require.Equal(t, 1, dir.KeyFetches("bob"), "served from cache")

	_, err = svc.GetPublicKey(ctx, "bob", true)
	require.NoError(t, err)
	require.Equal(t, 2, dir.KeyFetches("bob"), "force refresh bypasses cache")

	clk.Advance(2 * time.Minute)
	_, err = svc.GetPublicKey(ctx, "bob", false)
	require.NoError(t, err)
	require.Equal(t, 3, dir.KeyFetches("bob"), "expired entry refetched")

	svc.Invalidate("bob")
	_, err = svc.GetPublicKey(ctx, "bob", false)
	require.NoError(t, err)
	require.Equal(t, 4, dir.KeyFetches("bob"))
}

func TestGetPublicKey_NotFound(t *testing.T) {
	svc, _ := newService(t, relay.NewMemory(), keystore.Options{})
	_, err := svc.GetPublicKey(context.Background(), "nobody", false)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
