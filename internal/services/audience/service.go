package audience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/domain"
)

const (
	DefaultMembershipTimeout = 3 * time.Second
	DefaultFetchConcurrency  = 8
)

// ErrNoMembership is returned when live membership failed and no snapshot
// exists.
var ErrNoMembership = errors.New("room membership unavailable")

// Options tunes a Service.
type Options struct {
	MembershipTimeout time.Duration
	FetchConcurrency  int
}

// Service resolves room audiences and guarantees every key is known
// before a fan-out envelope is built.
type Service struct {
	keys    domain.KeyService
	members domain.MembershipSource
	// snapshot is optional persistent storage behind the in-memory cache.
	snapshot domain.MembershipCache
	log      *logging.Logger
	opts     Options

	mu    sync.Mutex
	known map[domain.RoomID][]domain.Identity
}

// New returns an audience resolver. snapshot may be nil.
func New(
	keys domain.KeyService,
	members domain.MembershipSource,
	snapshot domain.MembershipCache,
	log *logging.Logger,
	opts Options,
) *Service {
	if opts.MembershipTimeout <= 0 {
		opts.MembershipTimeout = DefaultMembershipTimeout
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	return &Service{
		keys:     keys,
		members:  members,
		snapshot: snapshot,
		log:      log,
		opts:     opts,
		known:    make(map[domain.RoomID][]domain.Identity),
	}
}

// ResolveRoomAudience returns the room's members plus self, sorted and
// de-duplicated. Live membership is preferred; on timeout or error the
// last-known membership is used.
func (s *Service) ResolveRoomAudience(ctx context.Context, room domain.RoomID) ([]domain.Identity, error) {
	liveCtx, cancel := context.WithTimeout(ctx, s.opts.MembershipTimeout)
	members, err := s.members.Members(liveCtx, room)
	cancel()

	if err == nil {
		s.remember(room, members)
		return withSelf(members, s.keys.Self()), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.log.Warningf("Live membership for %s failed, using last known: %v", room, err)
	cached, ok := s.lastKnown(room)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoMembership, room, err)
	}
	return withSelf(cached, s.keys.Self()), nil
}

func (s *Service) remember(room domain.RoomID, members []domain.Identity) {
	cp := append([]domain.Identity(nil), members...)
	s.mu.Lock()
	s.known[room] = cp
	s.mu.Unlock()

	if s.snapshot != nil {
		if err := s.snapshot.SaveMembers(room, cp); err != nil {
			s.log.Warningf("Failed to persist membership for %s: %v", room, err)
		}
	}
}

func (s *Service) lastKnown(room domain.RoomID) ([]domain.Identity, bool) {
	s.mu.Lock()
	m, ok := s.known[room]
	s.mu.Unlock()
	if ok {
		return m, true
	}
	if s.snapshot == nil {
		return nil, false
	}
	m, ok, err := s.snapshot.LoadMembers(room)
	if err != nil {
		s.log.Warningf("Failed to load membership snapshot for %s: %v", room, err)
		return nil, false
	}
	return m, ok
}

// EnsureAllKeysKnown fetches a public key for every identity. It does not
// stop at the first failure: all missing identities are reported together
// in a *domain.MissingKeysError.
func (s *Service) EnsureAllKeysKnown(
	ctx context.Context,
	ids []domain.Identity,
	forceRefresh bool,
) (map[domain.Identity]domain.X25519Public, error) {
	var (
		mu     sync.Mutex
		out    = make(map[domain.Identity]domain.X25519Public, len(ids))
		causes = make(map[domain.Identity]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for _, id := range dedupe(ids) {
		g.Go(func() error {
			pk, err := s.keys.GetPublicKey(gctx, id, forceRefresh)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				causes[id] = err
				return nil
			}
			out[id] = pk.Key
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(causes) > 0 {
		mk := domain.NewMissingKeysError(causes)
		s.log.Noticef("Missing keys for %v", mk.Identities)
		return nil, mk
	}
	return out, nil
}

func withSelf(members []domain.Identity, self domain.Identity) []domain.Identity {
	return dedupe(append(append([]domain.Identity(nil), members...), self))
}

func dedupe(ids []domain.Identity) []domain.Identity {
	seen := make(map[domain.Identity]struct{}, len(ids))
	out := make([]domain.Identity, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Compile-time assertion that Service implements domain.AudienceResolver.
var _ domain.AudienceResolver = (*Service)(nil)
