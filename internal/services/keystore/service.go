package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/metrics"
	"sealchat/internal/util/memzero"
)

const (
	// DefaultCacheTTL bounds how long a fetched public key is trusted.
	DefaultCacheTTL = 10 * time.Minute
)

var (
	// ErrUnknownFormat is returned by Seal for a format it cannot write.
	ErrUnknownFormat = errors.New("keystore: unknown wrap format")
)

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	// CacheTTL is the public-key cache lifetime.
	CacheTTL time.Duration
	// SessionTTL locks the private key after this much idle time. Zero
	// disables idle locking.
	SessionTTL time.Duration
	// Iterations is the PBKDF2 round count used by Create.
	Iterations int
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

type cacheEntry struct {
	key       domain.X25519Public
	fetchedAt time.Time
}

// Service holds the one unlocked private key slot and the public key
// cache for the local user.
type Service struct {
	self    domain.Identity
	wrapped domain.WrappedKeyStore
	dir     domain.KeyDirectory
	log     *logging.Logger
	opts    Options

	unlocks singleflight.Group
	fetches singleflight.Group

	mu       sync.Mutex
	key      *domain.UnlockedPrivateKey
	epoch    uint64 // bumped by Lock
	lastUsed time.Time
	cache    map[domain.Identity]cacheEntry
}

// New returns a locked key store for self.
func New(
	self domain.Identity,
	wrapped domain.WrappedKeyStore,
	dir domain.KeyDirectory,
	log *logging.Logger,
	opts Options,
) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Iterations <= 0 {
		opts.Iterations = crypto.DefaultIterations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		self:    self,
		wrapped: wrapped,
		dir:     dir,
		log:     log,
		opts:    opts,
		cache:   make(map[domain.Identity]cacheEntry),
	}
}

// Self returns the local identity.
func (s *Service) Self() domain.Identity { return s.self }

// Create generates a new key pair, wraps it with password in the current
// format and saves it. Any unlocked key is replaced.
func (s *Service) Create(password string) (domain.PublicKey, domain.Fingerprint, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.PublicKey{}, "", err
	}
	blob, err := Seal(s.self, password, priv, domain.WrapFormatAEAD, s.opts.Iterations)
	if err != nil {
		return domain.PublicKey{}, "", err
	}
	if err := s.wrapped.SaveWrappedKey(blob); err != nil {
		return domain.PublicKey{}, "", err
	}

	s.mu.Lock()
	s.setKeyLocked(domain.UnlockedPrivateKey{Identity: s.self, Private: priv, Public: pub})
	s.mu.Unlock()

	s.log.Noticef("Created key pair for %s.", s.self)
	return domain.PublicKey{Identity: s.self, Key: pub},
		domain.Fingerprint(crypto.Fingerprint(pub.Slice())), nil
}

// Unlock decrypts the stored private key. Concurrent calls with the same
// password share a single in-flight attempt, and an already unlocked key
// is returned as is. A Lock issued while the attempt runs wins.
func (s *Service) Unlock(ctx context.Context, password string) (domain.UnlockedPrivateKey, error) {
	if k, err := s.PrivateKey(); err == nil {
		return k, nil
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	// Only the digest of the password names the attempt.
	key := fmt.Sprintf("%d/%s", epoch, crypto.ContentDigest([]byte(password)))
	ch := s.unlocks.DoChan(key, func() (any, error) {
		return s.unlock(password, epoch)
	})
	select {
	case <-ctx.Done():
		return domain.UnlockedPrivateKey{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			metrics.KeyUnlocks.WithLabelValues(unlockResult(r.Err)).Inc()
			return domain.UnlockedPrivateKey{}, r.Err
		}
		metrics.KeyUnlocks.WithLabelValues("ok").Inc()
		return r.Val.(domain.UnlockedPrivateKey), nil
	}
}

func (s *Service) unlock(password string, epoch uint64) (domain.UnlockedPrivateKey, error) {
	blob, ok, err := s.wrapped.LoadWrappedKey()
	if err != nil {
		return domain.UnlockedPrivateKey{}, err
	}
	if !ok {
		return domain.UnlockedPrivateKey{}, domain.ErrNoKeyMaterial
	}

	priv, pub, err := Open(blob, password)
	if err != nil {
		s.log.Debugf("Unlock failed: %v", err)
		return domain.UnlockedPrivateKey{}, err
	}
	if blob.Format == domain.WrapFormatLegacyStream {
		s.log.Warningf("Private key uses deprecated format %q; re-run init to upgrade.", blob.Format)
	}

	k := domain.UnlockedPrivateKey{Identity: s.self, Private: priv, Public: pub}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		memzero.Zero(priv[:], k.Private[:])
		s.log.Debug("Unlock raced with Lock; discarding key.")
		return domain.UnlockedPrivateKey{}, domain.ErrLocked
	}
	s.setKeyLocked(k)
	return k, nil
}

// Lock wipes the unlocked key and cancels any unlock in flight. It is
// safe to call repeatedly.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.lockLocked()
}

func (s *Service) lockLocked() {
	if s.key == nil {
		return
	}
	memzero.Zero(s.key.Private[:])
	s.key = nil
	s.log.Debug("Private key locked.")
}

func (s *Service) setKeyLocked(k domain.UnlockedPrivateKey) {
	s.lockLocked()
	s.key = &k
	s.lastUsed = s.opts.Now()
}

// PrivateKey returns the unlocked key or ErrLocked. An idle key past
// SessionTTL is locked first.
func (s *Service) PrivateKey() (domain.UnlockedPrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return domain.UnlockedPrivateKey{}, domain.ErrLocked
	}
	now := s.opts.Now()
	if s.opts.SessionTTL > 0 && now.Sub(s.lastUsed) > s.opts.SessionTTL {
		s.log.Info("Session idle timeout reached.")
		s.lockLocked()
		return domain.UnlockedPrivateKey{}, domain.ErrLocked
	}
	s.lastUsed = now
	return *s.key, nil
}

// GetPublicKey returns id's public key, from cache when the entry is
// younger than CacheTTL and forceRefresh is false.
func (s *Service) GetPublicKey(ctx context.Context, id domain.Identity, forceRefresh bool) (domain.PublicKey, error) {
	if !forceRefresh {
		if k, ok := s.cached(id); ok {
			metrics.KeyFetches.WithLabelValues("cached").Inc()
			return domain.PublicKey{Identity: id, Key: k}, nil
		}
	}

	ch := s.fetches.DoChan(id.String(), func() (any, error) {
		return s.fetch(ctx, id)
	})
	select {
	case <-ctx.Done():
		return domain.PublicKey{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return domain.PublicKey{}, r.Err
		}
		return domain.PublicKey{Identity: id, Key: r.Val.(domain.X25519Public)}, nil
	}
}

func (s *Service) fetch(ctx context.Context, id domain.Identity) (domain.X25519Public, error) {
	der, err := s.dir.FetchPublicKey(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.KeyFetches.WithLabelValues("not_found").Inc()
			return domain.X25519Public{}, fmt.Errorf("public key for %s: %w", id, err)
		}
		metrics.KeyFetches.WithLabelValues("error").Inc()
		if errors.Is(err, domain.ErrNetwork) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.X25519Public{}, fmt.Errorf("public key for %s: %w", id, err)
		}
		return domain.X25519Public{}, fmt.Errorf("public key for %s: %w: %v", id, domain.ErrNetwork, err)
	}
	pub, err := crypto.ParsePublicKey(der)
	if err != nil {
		metrics.KeyFetches.WithLabelValues("error").Inc()
		return domain.X25519Public{}, fmt.Errorf("public key for %s: %w", id, err)
	}
	metrics.KeyFetches.WithLabelValues("fetched").Inc()

	s.mu.Lock()
	s.cache[id] = cacheEntry{key: pub, fetchedAt: s.opts.Now()}
	s.mu.Unlock()
	return pub, nil
}

func (s *Service) cached(id domain.Identity) (domain.X25519Public, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	if !ok {
		return domain.X25519Public{}, false
	}
	if s.opts.Now().Sub(e.fetchedAt) >= s.opts.CacheTTL {
		delete(s.cache, id)
		return domain.X25519Public{}, false
	}
	return e.key, true
}

// Invalidate drops the cached key for id.
func (s *Service) Invalidate(id domain.Identity) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// Seal wraps priv under password in the given format.
func Seal(
	id domain.Identity,
	password string,
	priv domain.X25519Private,
	format string,
	iterations int,
) (domain.WrappedPrivateKey, error) {
	der, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return domain.WrappedPrivateKey{}, err
	}
	defer memzero.Zero(der)

	salt, err := crypto.NewSalt()
	if err != nil {
		return domain.WrappedPrivateKey{}, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return domain.WrappedPrivateKey{}, err
	}

	var ct []byte
	switch format {
	case domain.WrapFormatAEAD:
		ct, err = crypto.SealSecret(password, der, salt, nonce, iterations)
	case domain.WrapFormatLegacyStream:
		ct, err = crypto.XORSecretLegacy(password, der, salt, nonce, iterations)
	default:
		return domain.WrappedPrivateKey{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return domain.WrappedPrivateKey{}, err
	}
	return domain.WrappedPrivateKey{
		Identity:   id,
		Format:     format,
		KDF:        domain.KDFPBKDF2SHA256,
		Iterations: iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	}, nil
}

// Open unwraps blob with password, dispatching on the explicit format tag.
func Open(blob domain.WrappedPrivateKey, password string) (domain.X25519Private, domain.X25519Public, error) {
	if blob.KDF != domain.KDFPBKDF2SHA256 {
		return domain.X25519Private{}, domain.X25519Public{},
			fmt.Errorf("%w: kdf %q", domain.ErrUnsupportedContext, blob.KDF)
	}
	if blob.Iterations <= 0 || len(blob.Salt) != crypto.SaltBytes || len(blob.Nonce) != crypto.NonceBytes {
		return domain.X25519Private{}, domain.X25519Public{},
			fmt.Errorf("%w: malformed kdf parameters", domain.ErrUnsupportedContext)
	}

	var (
		der []byte
		err error
	)
	switch blob.Format {
	case domain.WrapFormatAEAD:
		der, err = crypto.OpenSecret(password, blob.Ciphertext, blob.Salt, blob.Nonce, blob.Iterations)
		if err != nil {
			return domain.X25519Private{}, domain.X25519Public{}, domain.ErrBadPassword
		}
	case domain.WrapFormatLegacyStream:
		// Unauthenticated: a wrong password only shows up as garbage DER.
		der, err = crypto.XORSecretLegacy(password, blob.Ciphertext, blob.Salt, blob.Nonce, blob.Iterations)
		if err != nil {
			return domain.X25519Private{}, domain.X25519Public{}, err
		}
	default:
		return domain.X25519Private{}, domain.X25519Public{},
			fmt.Errorf("%w: format %q", domain.ErrUnsupportedContext, blob.Format)
	}
	defer memzero.Zero(der)

	priv, pub, err := crypto.ParsePrivateKey(der)
	if err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, domain.ErrBadPassword
	}
	return priv, pub, nil
}

func unlockResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrBadPassword):
		return "bad_password"
	case errors.Is(err, domain.ErrNoKeyMaterial):
		return "no_key"
	case errors.Is(err, domain.ErrUnsupportedContext):
		return "unsupported"
	default:
		return "error"
	}
}

// Compile-time assertion that Service implements domain.KeyService.
var _ domain.KeyService = (*Service)(nil)
