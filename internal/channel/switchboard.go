package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"sealchat/internal/domain"
)

// Switchboard connects in-process peers with pipes. Every Connector taken
// from the same Switchboard can reach the others. It is used by tests and
// by the loopback relay mode of the CLI.
type Switchboard struct {
	mu      sync.Mutex
	pending map[string]*memLink
	blocked bool
}

// NewSwitchboard returns an empty switchboard.
func NewSwitchboard() *Switchboard {
	return &Switchboard{pending: make(map[string]*memLink)}
}

// Block makes every future connection attempt hang until its context
// ends, as if the peers could not reach each other.
func (s *Switchboard) Block(blocked bool) {
	s.mu.Lock()
	s.blocked = blocked
	s.mu.Unlock()
}

// Connector returns a connector attached to s.
func (s *Switchboard) Connector() domain.Connector { return memConnector{s} }

type memConnector struct{ sb *Switchboard }

var _ domain.Connector = memConnector{}

func (c memConnector) Offer(_ context.Context, id domain.TransferID) (domain.Link, domain.Description, error) {
	token := uuid.NewString()
	l := newMemLink(c.sb, token)
	c.sb.mu.Lock()
	c.sb.pending[token] = l
	c.sb.mu.Unlock()
	l.cands <- domain.Candidate{Network: "mem", Address: token}
	close(l.cands)
	return l, domain.Description{Fingerprint: []byte(token), Params: []byte(id)}, nil
}

func (c memConnector) Answer(_ context.Context, _ domain.TransferID, remote domain.Description) (domain.Link, domain.Description, error) {
	token := string(remote.Fingerprint)
	c.sb.mu.Lock()
	offer, ok := c.sb.pending[token]
	if ok {
		delete(c.sb.pending, token)
	}
	blocked := c.sb.blocked
	c.sb.mu.Unlock()
	if !ok {
		return nil, domain.Description{}, fmt.Errorf("%w: no offer %s", domain.ErrChannelFailure, token)
	}

	l := newMemLink(c.sb, token)
	close(l.cands)
	if !blocked {
		a, b := Pipe()
		offer.ready(a)
		l.ready(b)
	}
	return l, domain.Description{Fingerprint: []byte(uuid.NewString())}, nil
}

type memLink struct {
	sb    *Switchboard
	token string
	cands chan domain.Candidate

	once   sync.Once
	opened chan struct{}
	ch     *PipeChannel

	closeOnce sync.Once
	closed    chan struct{}
}

func newMemLink(sb *Switchboard, token string) *memLink {
	return &memLink{
		sb:     sb,
		token:  token,
		cands:  make(chan domain.Candidate, 1),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (l *memLink) ready(ch *PipeChannel) {
	l.once.Do(func() {
		l.ch = ch
		close(l.opened)
	})
}

func (l *memLink) Candidates() <-chan domain.Candidate { return l.cands }

func (l *memLink) AddRemoteCandidate(domain.Candidate) error { return nil }

func (l *memLink) SetRemoteDescription(domain.Description) error { return nil }

func (l *memLink) Open(ctx context.Context) (domain.Channel, error) {
	select {
	case <-l.opened:
		return l.ch, nil
	case <-l.closed:
		return nil, fmt.Errorf("%w: link closed", domain.ErrChannelFailure)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.sb.mu.Lock()
		if l.sb.pending[l.token] == l {
			delete(l.sb.pending, l.token)
		}
		l.sb.mu.Unlock()
		select {
		case <-l.opened:
			_ = l.ch.Close()
		default:
		}
	})
	return nil
}
