package relay

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"sealchat/internal/domain"
)

// Memory is an in-process relay: message queues, key directory, room
// membership, signaling and file storage in one place. It backs tests and
// the CLI's loopback mode.
//
// Signals to an identity with a registered handler are pushed to it in
// order; otherwise they queue for FetchSignals.
type Memory struct {
	mu sync.Mutex

	keys     map[domain.Identity][]byte
	rooms    map[domain.RoomID][]domain.Identity
	inbox    map[domain.Identity][]domain.InboundMessage
	signals  map[domain.Identity][]domain.Signal
	handlers map[domain.Identity]*signalPump
	files    map[domain.FileID]memFile

	// Hooks for failure injection. nil means normal behaviour.
	deliverHook func(domain.DeliverRequest) (bool, error)
	membersHook func(ctx context.Context, room domain.RoomID) error
	uploadErr   error
	keyFetches  map[domain.Identity]int
}

type memFile struct {
	ciphertext []byte
	iv         []byte
	keys       map[domain.Identity][]byte
	meta       domain.FileMeta
}

// NewMemory returns an empty relay.
func NewMemory() *Memory {
	return &Memory{
		keys:       make(map[domain.Identity][]byte),
		rooms:      make(map[domain.RoomID][]domain.Identity),
		inbox:      make(map[domain.Identity][]domain.InboundMessage),
		signals:    make(map[domain.Identity][]domain.Signal),
		handlers:   make(map[domain.Identity]*signalPump),
		files:      make(map[domain.FileID]memFile),
		keyFetches: make(map[domain.Identity]int),
	}
}

// PublishPublicKey stores der as id's directory entry.
func (m *Memory) PublishPublicKey(_ context.Context, id domain.Identity, der []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = append([]byte(nil), der...)
	return nil
}

// FetchPublicKey implements domain.KeyDirectory.
func (m *Memory) FetchPublicKey(ctx context.Context, id domain.Identity) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFetches[id]++
	der, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("key for %s: %w", id, domain.ErrNotFound)
	}
	return append([]byte(nil), der...), nil
}

// KeyFetches reports how many directory lookups hit id.
func (m *Memory) KeyFetches(id domain.Identity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyFetches[id]
}

// SetMembers sets the live membership of room.
func (m *Memory) SetMembers(room domain.RoomID, members ...domain.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room] = append([]domain.Identity(nil), members...)
}

// OnMembers installs a hook run before every membership lookup; a
// non-nil return fails the lookup.
func (m *Memory) OnMembers(hook func(ctx context.Context, room domain.RoomID) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.membersHook = hook
}

// Members implements domain.MembershipSource.
func (m *Memory) Members(ctx context.Context, room domain.RoomID) ([]domain.Identity, error) {
	m.mu.Lock()
	hook := m.membersHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, room); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[room]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", room, domain.ErrNotFound)
	}
	return append([]domain.Identity(nil), members...), nil
}

// OnDeliver installs a hook that decides delivery outcomes.
func (m *Memory) OnDeliver(hook func(domain.DeliverRequest) (bool, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliverHook = hook
}

// Deliver implements domain.Deliverer.
func (m *Memory) Deliver(ctx context.Context, req domain.DeliverRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	hook := m.deliverHook
	m.mu.Unlock()
	if hook != nil {
		ok, err := hook(req)
		if err != nil || !ok {
			return ok, err
		}
	}

	msg := domain.InboundMessage{
		From:      req.From,
		Room:      req.Room,
		Envelope:  req.Envelope,
		Plaintext: req.Plaintext,
		Timestamp: req.Timestamp,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, to := range req.To {
		m.inbox[to] = append(m.inbox[to], msg)
	}
	return true, nil
}

// FetchMessages implements domain.MessageSource.
func (m *Memory) FetchMessages(_ context.Context, me domain.Identity, limit int) ([]domain.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.inbox[me]
	if limit > 0 && limit < len(q) {
		q = q[:limit]
	}
	return append([]domain.InboundMessage(nil), q...), nil
}

// AckMessages implements domain.MessageSource.
func (m *Memory) AckMessages(_ context.Context, me domain.Identity, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.inbox[me]
	if count > len(q) {
		count = len(q)
	}
	m.inbox[me] = q[count:]
	return nil
}

// HandleSignals pushes every signal addressed to me into fn, in order,
// from a dedicated goroutine. Queued signals are flushed first. The
// returned func unregisters the handler.
func (m *Memory) HandleSignals(me domain.Identity, fn func(domain.Signal)) (stop func()) {
	p := newSignalPump(fn)

	m.mu.Lock()
	if old, ok := m.handlers[me]; ok {
		old.stop()
	}
	m.handlers[me] = p
	queued := m.signals[me]
	delete(m.signals, me)
	m.mu.Unlock()

	for _, s := range queued {
		p.push(s)
	}
	return func() {
		m.mu.Lock()
		if m.handlers[me] == p {
			delete(m.handlers, me)
		}
		m.mu.Unlock()
		p.stop()
	}
}

// SendSignal implements domain.SignalingRelay.
func (m *Memory) SendSignal(ctx context.Context, sig domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.handlers[sig.To]; ok {
		p.push(sig)
		return nil
	}
	m.signals[sig.To] = append(m.signals[sig.To], sig)
	return nil
}

// FetchSignals implements domain.SignalSource.
func (m *Memory) FetchSignals(_ context.Context, me domain.Identity) ([]domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.signals[me]
	delete(m.signals, me)
	return out, nil
}

// FailUploads makes every Upload return err (nil restores normal
// behaviour).
func (m *Memory) FailUploads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErr = err
}

// Upload implements domain.StorageRelay.
func (m *Memory) Upload(ctx context.Context, req domain.UploadRequest, ciphertext io.Reader) (domain.FileID, error) {
	m.mu.Lock()
	failure := m.uploadErr
	m.mu.Unlock()
	if failure != nil {
		return "", failure
	}

	ct, err := io.ReadAll(ciphertext)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.CiphertextSize >= 0 && int64(len(ct)) != req.CiphertextSize {
		return "", fmt.Errorf("upload: got %d bytes, declared %d", len(ct), req.CiphertextSize)
	}

	id := domain.FileID(uuid.NewString())
	keys := make(map[domain.Identity][]byte, len(req.WrappedKeys))
	for k, v := range req.WrappedKeys {
		keys[k] = append([]byte(nil), v...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[id] = memFile{
		ciphertext: ct,
		iv:         append([]byte(nil), req.IV...),
		keys:       keys,
		meta:       req.Meta,
	}
	return id, nil
}

// Fetch implements domain.StorageRelay.
func (m *Memory) Fetch(_ context.Context, id domain.FileID, self domain.Identity) (domain.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return domain.StoredFile{}, fmt.Errorf("file %s: %w", id, domain.ErrNotFound)
	}
	wk, ok := f.keys[self]
	if !ok {
		return domain.StoredFile{}, fmt.Errorf("file %s: %w", id, domain.ErrNoKeyForSelf)
	}
	return domain.StoredFile{
		Ciphertext: append([]byte(nil), f.ciphertext...),
		IV:         append([]byte(nil), f.iv...),
		WrappedKey: append([]byte(nil), wk...),
		Meta:       f.meta,
	}, nil
}

// signalPump delivers signals to one handler in FIFO order.
type signalPump struct {
	mu     sync.Mutex
	queue  []domain.Signal
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	handle func(domain.Signal)
}

func newSignalPump(fn func(domain.Signal)) *signalPump {
	p := &signalPump{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		handle: fn,
	}
	go p.run()
	return p
}

func (p *signalPump) push(s domain.Signal) {
	p.mu.Lock()
	p.queue = append(p.queue, s)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *signalPump) stop() { p.once.Do(func() { close(p.done) }) }

func (p *signalPump) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			s := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			select {
			case <-p.done:
				return
			default:
			}
			p.handle(s)
		}
	}
}

var (
	_ domain.Deliverer        = (*Memory)(nil)
	_ domain.KeyDirectory     = (*Memory)(nil)
	_ domain.MembershipSource = (*Memory)(nil)
	_ domain.SignalingRelay   = (*Memory)(nil)
	_ domain.SignalSource     = (*Memory)(nil)
	_ domain.MessageSource    = (*Memory)(nil)
	_ domain.StorageRelay     = (*Memory)(nil)
)
