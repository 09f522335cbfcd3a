package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/domain"
	"sealchat/internal/metrics"
	"sealchat/internal/protocol/envelope"
)

// Policy holds the message security switches.
type Policy struct {
	// AllowPlaintextDirect lets 1:1 messages to a peer with no published
	// key go out in plaintext. Room messages never degrade.
	AllowPlaintextDirect bool
}

var (
	// ErrPlaintextRoom is returned when a room message arrives without an
	// envelope.
	ErrPlaintextRoom = errors.New("plaintext room message rejected")
)

// Service encrypts and delivers messages over the relay and opens the
// ones received.
//
// High-level flow:
//   - SendDirect: refresh the peer key for the first message of the
//     process, seal a single-recipient envelope, deliver. A not-delivered
//     report usually means the peer rotated keys, so the key is refreshed
//     and delivery retried exactly once.
//   - SendRoom: resolve the audience, require every key, seal one fan-out
//     envelope including self, deliver.
//   - Receive: fetch queued messages, open them in order, ack what was
//     handled.
type Service struct {
	keys     domain.KeyService
	audience domain.AudienceResolver
	deliver  domain.Deliverer
	inbox    domain.MessageSource
	log      *logging.Logger
	policy   Policy
	now      func() time.Time

	mu        sync.Mutex
	contacted map[domain.Identity]bool
}

// New constructs a message service.
func New(
	keys domain.KeyService,
	audience domain.AudienceResolver,
	deliver domain.Deliverer,
	inbox domain.MessageSource,
	log *logging.Logger,
	policy Policy,
) *Service {
	return &Service{
		keys:      keys,
		audience:  audience,
		deliver:   deliver,
		inbox:     inbox,
		log:       log,
		policy:    policy,
		now:       time.Now,
		contacted: make(map[domain.Identity]bool),
	}
}

// SendDirect encrypts plaintext for peer and delivers it.
func (s *Service) SendDirect(ctx context.Context, peer domain.Identity, plaintext []byte) error {
	s.mu.Lock()
	first := !s.contacted[peer]
	s.mu.Unlock()

	pk, err := s.keys.GetPublicKey(ctx, peer, first)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if s.policy.AllowPlaintextDirect {
			return s.sendPlaintext(ctx, peer, plaintext)
		}
		return domain.NewMissingKeysError(map[domain.Identity]error{peer: err})
	}

	delivered, err := s.sealAndDeliver(ctx, peer, pk.Key, plaintext)
	if err != nil {
		return err
	}
	if !delivered {
		s.log.Infof("Delivery to %s failed, refreshing key and retrying once.", peer)
		pk, err = s.keys.GetPublicKey(ctx, peer, true)
		if err != nil {
			return err
		}
		if delivered, err = s.sealAndDeliver(ctx, peer, pk.Key, plaintext); err != nil {
			return err
		}
		if !delivered {
			return fmt.Errorf("%w: %s", domain.ErrNotDelivered, peer)
		}
	}

	s.mu.Lock()
	s.contacted[peer] = true
	s.mu.Unlock()
	return nil
}

func (s *Service) sealAndDeliver(ctx context.Context, peer domain.Identity, key domain.X25519Public, plaintext []byte) (bool, error) {
	env, err := envelope.EncryptForOne(key, plaintext)
	if err != nil {
		metrics.Envelopes.WithLabelValues("encrypt_one", "error").Inc()
		return false, err
	}
	metrics.Envelopes.WithLabelValues("encrypt_one", "ok").Inc()
	return s.deliver.Deliver(ctx, domain.DeliverRequest{
		From:      s.keys.Self(),
		To:        []domain.Identity{peer},
		Envelope:  &env,
		Timestamp: s.now().Unix(),
	})
}

func (s *Service) sendPlaintext(ctx context.Context, peer domain.Identity, plaintext []byte) error {
	s.log.Warningf("No key published for %s; sending in plaintext compatibility mode.", peer)
	delivered, err := s.deliver.Deliver(ctx, domain.DeliverRequest{
		From:      s.keys.Self(),
		To:        []domain.Identity{peer},
		Plaintext: plaintext,
		Timestamp: s.now().Unix(),
	})
	if err != nil {
		return err
	}
	if !delivered {
		return fmt.Errorf("%w: %s", domain.ErrNotDelivered, peer)
	}
	return nil
}

// SendRoom encrypts plaintext once for every member of room and delivers
// it. Nothing is sent if any member's key is missing.
func (s *Service) SendRoom(ctx context.Context, room domain.RoomID, plaintext []byte) error {
	ids, err := s.audience.ResolveRoomAudience(ctx, room)
	if err != nil {
		return err
	}

	delivered, err := s.sealRoom(ctx, room, ids, plaintext, false)
	if err != nil {
		return err
	}
	if !delivered {
		s.log.Infof("Delivery to room %s failed, refreshing keys and retrying once.", room)
		if delivered, err = s.sealRoom(ctx, room, ids, plaintext, true); err != nil {
			return err
		}
		if !delivered {
			return fmt.Errorf("%w: room %s", domain.ErrNotDelivered, room)
		}
	}
	return nil
}

func (s *Service) sealRoom(
	ctx context.Context,
	room domain.RoomID,
	ids []domain.Identity,
	plaintext []byte,
	forceRefresh bool,
) (bool, error) {
	keys, err := s.audience.EnsureAllKeysKnown(ctx, ids, forceRefresh)
	if err != nil {
		return false, err
	}
	env, err := envelope.EncryptForMany(keys, plaintext)
	if err != nil {
		metrics.Envelopes.WithLabelValues("encrypt_many", "error").Inc()
		return false, err
	}
	metrics.Envelopes.WithLabelValues("encrypt_many", "ok").Inc()

	self := s.keys.Self()
	to := make([]domain.Identity, 0, len(ids))
	for _, id := range ids {
		if id != self {
			to = append(to, id)
		}
	}
	return s.deliver.Deliver(ctx, domain.DeliverRequest{
		From:      self,
		To:        to,
		Room:      room,
		Envelope:  &env,
		Timestamp: s.now().Unix(),
	})
}

// Open decrypts one received message with the unlocked key.
func (s *Service) Open(_ context.Context, msg domain.InboundMessage) (domain.DecryptedMessage, error) {
	out := domain.DecryptedMessage{From: msg.From, Room: msg.Room, Timestamp: msg.Timestamp}
	if msg.Envelope == nil {
		if msg.Room != "" {
			return domain.DecryptedMessage{}, ErrPlaintextRoom
		}
		out.Plaintext = msg.Plaintext
		return out, nil
	}

	key, err := s.keys.PrivateKey()
	if err != nil {
		return domain.DecryptedMessage{}, err
	}
	pt, err := envelope.Decrypt(key, *msg.Envelope, s.keys.Self())
	if err != nil {
		metrics.Envelopes.WithLabelValues("decrypt", "error").Inc()
		return domain.DecryptedMessage{}, err
	}
	metrics.Envelopes.WithLabelValues("decrypt", "ok").Inc()
	out.Plaintext = pt
	out.Encrypted = true
	return out, nil
}

// Receive fetches pending messages and opens them in order.
//
// A message that can never be opened (tampered, not for us, plaintext in
// a room) is logged, skipped and acknowledged. A locked key stops
// processing and leaves the rest queued. Only handled messages are acked.
func (s *Service) Receive(ctx context.Context, limit int) ([]domain.DecryptedMessage, error) {
	msgs, err := s.inbox.FetchMessages(ctx, s.keys.Self(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DecryptedMessage, 0, len(msgs))
	processed := 0

	var stopErr error
	for _, m := range msgs {
		dm, err := s.Open(ctx, m)
		if err != nil {
			if errors.Is(err, domain.ErrLocked) {
				stopErr = err
				break
			}
			s.log.Warningf("Dropping message from %s: %v", m.From, err)
			processed++
			continue
		}
		out = append(out, dm)
		processed++
	}

	if processed > 0 {
		if err := s.inbox.AckMessages(ctx, s.keys.Self(), processed); err != nil {
			return out, err
		}
	}
	return out, stopErr
}

// Compile-time assertion that Service implements domain.MessageService.
var _ domain.MessageService = (*Service)(nil)
