package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/domain"
	"sealchat/internal/metrics"
	"sealchat/internal/protocol/negotiation"
	"sealchat/internal/protocol/stream"
)

// ErrClosed is returned once the manager has shut down.
var ErrClosed = errors.New("transfer manager closed")

// Options tunes the manager.
type Options struct {
	Timeouts negotiation.Timeouts
	Stream   stream.Options
	// TeardownGrace delays closing a channel after a successful transfer
	// so the final frames can drain.
	TeardownGrace time.Duration
	// IncomingBuffer bounds offers waiting on Incoming. Offers beyond it
	// are declined.
	IncomingBuffer int
}

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultTransferTimeout  = 10 * time.Minute
	defaultTeardownGrace    = 500 * time.Millisecond
	defaultIncomingBuffer   = 16
)

func (o Options) normalize() Options {
	if o.Timeouts.Handshake <= 0 {
		o.Timeouts.Handshake = defaultHandshakeTimeout
	}
	if o.Timeouts.Transfer <= 0 {
		o.Timeouts.Transfer = defaultTransferTimeout
	}
	if o.TeardownGrace < 0 {
		o.TeardownGrace = 0
	} else if o.TeardownGrace == 0 {
		o.TeardownGrace = defaultTeardownGrace
	}
	if o.IncomingBuffer <= 0 {
		o.IncomingBuffer = defaultIncomingBuffer
	}
	return o
}

// Result is the outcome of one direct transfer.
type Result struct {
	Record domain.TransferRecord
	// Integrity is set on the receiving side when the bytes do not match
	// the announced digest. The data was still delivered.
	Integrity error
}

// record is one in-flight transfer. Only the loop goroutine touches it.
type record struct {
	n      negotiation.Negotiation
	ctx    context.Context
	cancel context.CancelFunc

	link domain.Link
	ch   domain.Channel

	timers map[negotiation.TimerKind]*time.Timer
	gen    map[negotiation.TimerKind]uint64

	src      io.Reader
	sink     io.Writer
	progress domain.ProgressFunc
	done     chan outcome

	moved     int64
	digest    string
	integrity error
	started   time.Time
}

type outcome struct {
	res Result
	err error
}

// event is posted into the loop. Exactly one of ev and op is used.
type event struct {
	id  domain.TransferID
	ev  negotiation.Event
	op  func()
	gen uint64

	link domain.Link
	ch   domain.Channel
	rx   *stream.Result
	sent int64
}

// Manager runs every direct transfer of the local user. A single loop
// goroutine owns the transfer table; timers, connector calls and streams
// report back to it as events, and events for evicted transfers are
// dropped.
type Manager struct {
	self domain.Identity
	conn domain.Connector
	log  *logging.Logger
	opts Options

	events   chan event
	incoming chan *Offer
	outbox   *outbox

	transfers map[domain.TransferID]*record
	claimed   map[domain.TransferID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	halted chan struct{}
}

// NewManager starts a manager for self.
func NewManager(
	self domain.Identity,
	conn domain.Connector,
	signals domain.SignalingRelay,
	log *logging.Logger,
	opts Options,
) *Manager {
	opts = opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		self:      self,
		conn:      conn,
		log:       log,
		opts:      opts,
		events:    make(chan event, 64),
		incoming:  make(chan *Offer, opts.IncomingBuffer),
		transfers: make(map[domain.TransferID]*record),
		claimed:   make(map[domain.TransferID]bool),
		ctx:       ctx,
		cancel:    cancel,
		halted:    make(chan struct{}),
	}
	m.outbox = newOutbox(ctx, signals, log)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.outbox.run()
	}()
	go func() {
		defer m.wg.Done()
		defer close(m.halted)
		m.run()
	}()
	return m
}

// Close aborts every transfer and stops the manager.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Incoming yields offers from peers. Each must be accepted or declined.
func (m *Manager) Incoming() <-chan *Offer { return m.incoming }

func (m *Manager) post(e event) bool {
	select {
	case m.events <- e:
		return true
	case <-m.halted:
		return false
	}
}

// do runs fn on the loop goroutine and waits for it.
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	if !m.post(event{op: func() { fn(); close(done) }}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-m.halted:
		return ErrClosed
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.ctx.Done():
			for id, rec := range m.transfers {
				m.apply(id, rec, negotiation.Event{Kind: negotiation.EvError, Err: ErrClosed})
			}
			return
		case e := <-m.events:
			if e.op != nil {
				e.op()
				continue
			}
			m.handle(e)
		}
	}
}

// SendFile offers r to peer and streams it once accepted. It returns when
// the transfer reaches a terminal state or ctx ends; in the latter case
// the transfer is aborted first.
func (m *Manager) SendFile(
	ctx context.Context,
	peer domain.Identity,
	meta domain.FileMeta,
	r io.Reader,
	progress domain.ProgressFunc,
) (Result, error) {
	id := domain.TransferID(uuid.NewString())
	done := make(chan outcome, 1)

	err := m.do(func() {
		rec := m.newRecord(negotiation.NewSender(id, m.self, peer, meta, m.opts.Timeouts), done)
		rec.src = r
		rec.progress = progress
		m.apply(id, rec, negotiation.Event{Kind: negotiation.EvStart})
	})
	if err != nil {
		return Result{}, err
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		m.Abort(id)
		o := <-done
		if o.err == nil {
			return o.res, nil
		}
		return o.res, ctx.Err()
	}
}

// Abort declines or hangs up id in any state.
func (m *Manager) Abort(id domain.TransferID) {
	_ = m.do(func() {
		if rec, ok := m.transfers[id]; ok {
			m.apply(id, rec, negotiation.Event{Kind: negotiation.EvDecline})
		}
	})
}

// Records snapshots every in-flight transfer.
func (m *Manager) Records() []domain.TransferRecord {
	var out []domain.TransferRecord
	_ = m.do(func() {
		for _, rec := range m.transfers {
			out = append(out, rec.snapshot())
		}
	})
	return out
}

// HandleSignal feeds a relay signal addressed to the local user.
func (m *Manager) HandleSignal(sig domain.Signal) {
	if sig.To != "" && sig.To != m.self {
		return
	}
	m.post(event{op: func() { m.onSignal(sig) }})
}

func (m *Manager) onSignal(sig domain.Signal) {
	ev, ok := negotiation.EventForSignal(sig)
	if !ok {
		m.log.Debugf("Ignoring signal of kind %q.", sig.Kind)
		return
	}
	if rec, ok := m.transfers[sig.TransferID]; ok {
		if rec.n.Peer != sig.From {
			m.log.Warningf("Transfer %s: signal from %s, expected %s.", sig.TransferID, sig.From, rec.n.Peer)
			return
		}
		m.apply(sig.TransferID, rec, ev)
		return
	}
	if sig.Kind != domain.SignalOffer || m.claimed[sig.TransferID] {
		return
	}
	rec := m.newRecord(negotiation.NewReceiver(sig.TransferID, m.self, sig.From, m.opts.Timeouts), make(chan outcome, 1))
	m.apply(sig.TransferID, rec, ev)
}

// PollSignals pulls signals from src every interval until ctx ends.
// Fetch errors are logged and retried.
func (m *Manager) PollSignals(ctx context.Context, src domain.SignalSource, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sigs, err := src.FetchSignals(ctx, m.self)
		if err != nil && ctx.Err() == nil {
			m.log.Warningf("Fetching signals: %v", err)
		}
		for _, s := range sigs {
			m.HandleSignal(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-m.halted:
			return
		case <-t.C:
		}
	}
}

func (m *Manager) newRecord(n negotiation.Negotiation, done chan outcome) *record {
	ctx, cancel := context.WithCancel(m.ctx)
	rec := &record{
		n:       n,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[negotiation.TimerKind]*time.Timer),
		gen:     make(map[negotiation.TimerKind]uint64),
		done:    done,
		started: time.Now(),
	}
	m.transfers[n.ID] = rec
	m.claimed[n.ID] = true
	return rec
}

func (m *Manager) handle(e event) {
	rec, ok := m.transfers[e.id]
	if !ok {
		// Stale: the transfer is gone. Release anything it was handed.
		if e.ch != nil {
			_ = e.ch.Close()
		}
		if e.link != nil {
			_ = e.link.Close()
		}
		return
	}

	switch e.ev.Kind {
	case negotiation.EvTimeout:
		if rec.gen[e.ev.Timer] != e.gen {
			return
		}
		delete(rec.timers, e.ev.Timer)
	case negotiation.EvLocalDescription:
		rec.link = e.link
	case negotiation.EvChannelOpen:
		rec.ch = e.ch
		metrics.NegotiationDuration.Observe(time.Since(rec.started).Seconds())
	case negotiation.EvStreamComplete:
		if e.rx != nil {
			rec.moved = e.rx.Received
			rec.digest = e.rx.Digest
			rec.integrity = e.rx.Integrity
		} else {
			rec.moved = e.sent
		}
	}
	m.apply(e.id, rec, e.ev)
}

// apply steps the machine and performs its effects.
func (m *Manager) apply(id domain.TransferID, rec *record, ev negotiation.Event) {
	prev, wasReady := rec.n.State, rec.n.LinkReady
	var effs []negotiation.Effect
	rec.n, effs = negotiation.Step(rec.n, ev)
	if rec.n.State != prev {
		m.log.Debugf("Transfer %s: %s -> %s on %s.", id, prev, rec.n.State, ev.Kind)
	}

	for _, eff := range effs {
		// A nested apply may have finished and evicted rec.
		if m.transfers[id] != rec {
			return
		}
		switch eff.Kind {
		case negotiation.EffCreateOffer:
			go m.createOffer(rec.ctx, id)
		case negotiation.EffCreateAnswer:
			go m.createAnswer(rec.ctx, id, *eff.Description)
		case negotiation.EffApplyAnswer:
			if err := rec.link.SetRemoteDescription(*eff.Description); err != nil {
				m.apply(id, rec, negotiation.Event{Kind: negotiation.EvError, Err: err})
				return
			}
			go m.open(rec.ctx, id, rec.link)
		case negotiation.EffAddRemoteCandidate:
			if err := rec.link.AddRemoteCandidate(*eff.Candidate); err != nil {
				m.log.Infof("Transfer %s: candidate %s rejected: %v", id, eff.Candidate.Address, err)
			}
		case negotiation.EffSendSignal:
			m.outbox.push(*eff.Signal)
		case negotiation.EffStartTimer:
			m.startTimer(id, rec, eff.Timer, eff.After)
		case negotiation.EffCancelTimers:
			m.cancelTimers(rec, eff.Timer)
		case negotiation.EffPromptUser:
			m.prompt(id, rec)
		case negotiation.EffStartStream:
			m.startStream(id, rec)
		case negotiation.EffCloseChannel:
			m.closeChannel(rec)
		case negotiation.EffFinish:
			m.finish(id, rec, eff.Err)
		}
	}

	// The receiver dials as soon as its answer exists.
	if !wasReady && rec.n.LinkReady && rec.n.Role == domain.RoleReceiver && !rec.n.State.Terminal() {
		go m.open(rec.ctx, id, rec.link)
	}
}

func (m *Manager) createOffer(ctx context.Context, id domain.TransferID) {
	link, desc, err := m.conn.Offer(ctx, id)
	m.linked(id, link, desc, err)
}

func (m *Manager) createAnswer(ctx context.Context, id domain.TransferID, remote domain.Description) {
	link, desc, err := m.conn.Answer(ctx, id, remote)
	m.linked(id, link, desc, err)
}

func (m *Manager) linked(id domain.TransferID, link domain.Link, desc domain.Description, err error) {
	if err != nil {
		m.post(event{id: id, ev: negotiation.Event{Kind: negotiation.EvError, Err: err}})
		return
	}
	d := desc
	if !m.post(event{id: id, link: link, ev: negotiation.Event{Kind: negotiation.EvLocalDescription, Description: &d}}) {
		_ = link.Close()
		return
	}
	for c := range link.Candidates() {
		cand := c
		if !m.post(event{id: id, ev: negotiation.Event{Kind: negotiation.EvLocalCandidate, Candidate: &cand}}) {
			return
		}
	}
}

func (m *Manager) open(ctx context.Context, id domain.TransferID, link domain.Link) {
	ch, err := link.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.post(event{id: id, ev: negotiation.Event{Kind: negotiation.EvError, Err: err}})
		return
	}
	if !m.post(event{id: id, ch: ch, ev: negotiation.Event{Kind: negotiation.EvChannelOpen}}) {
		_ = ch.Close()
	}
}

func (m *Manager) startTimer(id domain.TransferID, rec *record, kind negotiation.TimerKind, after time.Duration) {
	if m.transfers[id] != rec {
		return
	}
	if t, ok := rec.timers[kind]; ok {
		t.Stop()
	}
	rec.gen[kind]++
	gen := rec.gen[kind]
	rec.timers[kind] = time.AfterFunc(after, func() {
		m.post(event{id: id, gen: gen, ev: negotiation.Event{Kind: negotiation.EvTimeout, Timer: kind}})
	})
}

func (m *Manager) cancelTimers(rec *record, kind negotiation.TimerKind) {
	for k, t := range rec.timers {
		if kind == negotiation.TimerAll || k == kind {
			t.Stop()
			delete(rec.timers, k)
			rec.gen[k]++
		}
	}
}

func (m *Manager) prompt(id domain.TransferID, rec *record) {
	o := &Offer{ID: id, From: rec.n.Peer, Meta: rec.n.Meta, m: m, done: rec.done}
	select {
	case m.incoming <- o:
	default:
		m.log.Warningf("Transfer %s: too many pending offers, declining.", id)
		m.apply(id, rec, negotiation.Event{Kind: negotiation.EvDecline})
	}
}

func (m *Manager) startStream(id domain.TransferID, rec *record) {
	opts := m.opts.Stream
	if rec.progress != nil {
		fn := rec.progress
		opts.Progress = func(done, total int64) {
			fn(domain.Progress{TransferID: id, Done: done, Total: total})
		}
	}
	ctx, ch := rec.ctx, rec.ch

	if rec.n.Role == domain.RoleSender {
		meta, src := rec.n.Meta, rec.src
		go func() {
			sent, err := stream.Send(ctx, ch, meta, src, opts)
			if err != nil {
				m.post(event{id: id, ev: negotiation.Event{Kind: negotiation.EvError, Err: err}})
				return
			}
			m.post(event{id: id, sent: sent, ev: negotiation.Event{Kind: negotiation.EvStreamComplete}})
		}()
		return
	}

	sink := rec.sink
	go func() {
		res, err := stream.Receive(ctx, ch, sink, opts)
		if err != nil {
			m.post(event{id: id, ev: negotiation.Event{Kind: negotiation.EvError, Err: err}})
			return
		}
		m.post(event{id: id, rx: &res, ev: negotiation.Event{Kind: negotiation.EvStreamComplete}})
	}()
}

func (m *Manager) closeChannel(rec *record) {
	ch, link := rec.ch, rec.link
	closeAll := func() {
		if ch != nil {
			_ = ch.Close()
		}
		if link != nil {
			_ = link.Close()
		}
	}
	if rec.n.State == domain.StateClosed && m.opts.TeardownGrace > 0 {
		time.AfterFunc(m.opts.TeardownGrace, closeAll)
		return
	}
	closeAll()
}

func (m *Manager) finish(id domain.TransferID, rec *record, err error) {
	m.cancelTimers(rec, negotiation.TimerAll)
	rec.cancel()
	delete(m.transfers, id)

	role := string(rec.n.Role)
	metrics.TransfersTotal.WithLabelValues(role, string(rec.n.State)).Inc()
	if rec.moved > 0 {
		metrics.TransferBytes.WithLabelValues(role).Add(float64(rec.moved))
	}

	res := Result{Record: rec.snapshot(), Integrity: rec.integrity}
	if err != nil {
		m.log.Noticef("Transfer %s with %s ended %s: %v", id, rec.n.Peer, rec.n.State, err)
		err = fmt.Errorf("transfer %s: %w", id, err)
	} else {
		m.log.Infof("Transfer %s with %s complete, %d bytes.", id, rec.n.Peer, rec.moved)
	}
	rec.done <- outcome{res: res, err: err}
}

func (rec *record) snapshot() domain.TransferRecord {
	r := domain.TransferRecord{
		ID:              rec.n.ID,
		Role:            rec.n.Role,
		Peer:            rec.n.Peer,
		State:           rec.n.State,
		Meta:            rec.n.Meta,
		IntegrityDigest: rec.digest,
	}
	if rec.n.Role == domain.RoleSender {
		r.SentBytes = rec.moved
	} else {
		r.ReceivedBytes = rec.moved
	}
	return r
}

// Offer is an incoming transfer waiting for the local user.
type Offer struct {
	ID   domain.TransferID
	From domain.Identity
	Meta domain.FileMeta

	m    *Manager
	done chan outcome
	once sync.Once
}

// Accept streams the file into sink and waits for the transfer to end.
func (o *Offer) Accept(ctx context.Context, sink io.Writer, progress domain.ProgressFunc) (Result, error) {
	accepted := false
	o.once.Do(func() {
		accepted = true
		_ = o.m.do(func() {
			if rec, ok := o.m.transfers[o.ID]; ok {
				rec.sink = sink
				rec.progress = progress
				o.m.apply(o.ID, rec, negotiation.Event{Kind: negotiation.EvAccept})
			}
		})
	})
	if !accepted {
		return Result{}, fmt.Errorf("transfer %s: offer already answered", o.ID)
	}

	select {
	case out := <-o.done:
		return out.res, out.err
	case <-ctx.Done():
		o.m.Abort(o.ID)
		out := <-o.done
		if out.err == nil {
			return out.res, nil
		}
		return out.res, ctx.Err()
	case <-o.m.halted:
		return Result{}, ErrClosed
	}
}

// Decline refuses the offer. The peer is told and does not fall back.
func (o *Offer) Decline() {
	o.once.Do(func() { o.m.Abort(o.ID) })
}
