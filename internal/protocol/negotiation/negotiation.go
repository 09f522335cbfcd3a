package negotiation

import (
	"errors"
	"fmt"
	"time"

	"sealchat/internal/domain"
)

// EventKind identifies an input to Step.
type EventKind int

const (
	// EvStart begins a sender-side negotiation.
	EvStart EventKind = iota + 1
	// EvLocalDescription carries the description produced by CreateOffer
	// or CreateAnswer. The link exists from this point on.
	EvLocalDescription
	// EvLocalCandidate carries a locally discovered candidate.
	EvLocalCandidate
	EvRemoteOffer
	EvRemoteAnswer
	EvRemoteCandidate
	EvRemoteDecline
	// EvAccept is the local user accepting an incoming offer.
	EvAccept
	// EvDecline is the local user declining an offer or hanging up.
	EvDecline
	EvChannelOpen
	EvStreamComplete
	// EvError reports a failure from an effect or the stream.
	EvError
	EvTimeout
)

var eventNames = map[EventKind]string{
	EvStart:            "start",
	EvLocalDescription: "local_description",
	EvLocalCandidate:   "local_candidate",
	EvRemoteOffer:      "remote_offer",
	EvRemoteAnswer:     "remote_answer",
	EvRemoteCandidate:  "remote_candidate",
	EvRemoteDecline:    "remote_decline",
	EvAccept:           "accept",
	EvDecline:          "decline",
	EvChannelOpen:      "channel_open",
	EvStreamComplete:   "stream_complete",
	EvError:            "error",
	EvTimeout:          "timeout",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// TimerKind names one of the two negotiation timers. The zero value means
// every timer when used with EffCancelTimers.
type TimerKind int

const (
	TimerAll TimerKind = iota
	// TimerHandshake bounds offer sent (or received) until channel open.
	TimerHandshake
	// TimerTransfer bounds the whole transfer.
	TimerTransfer
)

// EffectKind identifies an output of Step.
type EffectKind int

const (
	EffCreateOffer EffectKind = iota + 1
	// EffCreateAnswer asks the connector to answer Effect.Description.
	EffCreateAnswer
	// EffApplyAnswer applies the remote answer in Effect.Description.
	EffApplyAnswer
	EffAddRemoteCandidate
	EffSendSignal
	EffStartTimer
	EffCancelTimers
	// EffPromptUser surfaces an incoming offer to the local user.
	EffPromptUser
	EffStartStream
	EffCloseChannel
	// EffFinish reports the outcome in Effect.Err (nil on success). It is
	// always the last effect of a terminal transition.
	EffFinish
)

var effectNames = map[EffectKind]string{
	EffCreateOffer:        "create_offer",
	EffCreateAnswer:       "create_answer",
	EffApplyAnswer:        "apply_answer",
	EffAddRemoteCandidate: "add_remote_candidate",
	EffSendSignal:         "send_signal",
	EffStartTimer:         "start_timer",
	EffCancelTimers:       "cancel_timers",
	EffPromptUser:         "prompt_user",
	EffStartStream:        "start_stream",
	EffCloseChannel:       "close_channel",
	EffFinish:             "finish",
}

func (k EffectKind) String() string {
	if s, ok := effectNames[k]; ok {
		return s
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

// Event is one input to the machine.
type Event struct {
	Kind        EventKind
	Description *domain.Description
	Candidate   *domain.Candidate
	Meta        *domain.FileMeta
	Timer       TimerKind
	Err         error
}

// Effect is one action the caller must perform. Effects are data; Step
// never performs I/O.
type Effect struct {
	Kind        EffectKind
	Signal      *domain.Signal
	Description *domain.Description
	Candidate   *domain.Candidate
	Timer       TimerKind
	After       time.Duration
	Err         error
}

// Timeouts configures the two timers.
type Timeouts struct {
	Handshake time.Duration
	Transfer  time.Duration
}

// Negotiation is the complete state of one transfer's negotiation. It is a
// value: Step returns an updated copy.
type Negotiation struct {
	ID    domain.TransferID
	Role  domain.TransferRole
	Self  domain.Identity
	Peer  domain.Identity
	State domain.TransferState
	Meta  domain.FileMeta

	Timeouts Timeouts

	// Remote is the peer's offer, held until the user accepts.
	Remote *domain.Description
	// LinkReady is set once the local description exists.
	LinkReady bool
	// PendingLocal and PendingRemote hold candidates that arrived before
	// the link existed.
	PendingLocal  []domain.Candidate
	PendingRemote []domain.Candidate

	// Err is the failure reason once State is failed or declined.
	Err error
}

// NewSender returns an idle sender-side negotiation.
func NewSender(id domain.TransferID, self, peer domain.Identity, meta domain.FileMeta, t Timeouts) Negotiation {
	return Negotiation{
		ID: id, Role: domain.RoleSender, Self: self, Peer: peer,
		State: domain.StateIdle, Meta: meta, Timeouts: t,
	}
}

// NewReceiver returns an idle receiver-side negotiation. It leaves idle on
// the first remote offer.
func NewReceiver(id domain.TransferID, self, peer domain.Identity, t Timeouts) Negotiation {
	return Negotiation{
		ID: id, Role: domain.RoleReceiver, Self: self, Peer: peer,
		State: domain.StateIdle, Timeouts: t,
	}
}

// Step applies ev to n. Events that do not apply to the current state,
// including everything after a terminal state, return n unchanged and no
// effects.
func Step(n Negotiation, ev Event) (Negotiation, []Effect) {
	if n.State.Terminal() {
		return n, nil
	}

	switch ev.Kind {
	case EvDecline:
		return n.decline(true)
	case EvRemoteDecline:
		return n.decline(false)
	case EvError:
		return n.fail(classify(ev.Err))
	case EvTimeout:
		return n.timeout(ev.Timer)
	case EvLocalCandidate:
		return n.localCandidate(ev.Candidate)
	case EvRemoteCandidate:
		return n.remoteCandidate(ev.Candidate)
	}

	if n.Role == domain.RoleSender {
		return n.stepSender(ev)
	}
	return n.stepReceiver(ev)
}

func (n Negotiation) stepSender(ev Event) (Negotiation, []Effect) {
	switch {
	case ev.Kind == EvStart && n.State == domain.StateIdle:
		n.State = domain.StateOffering
		return n, []Effect{{Kind: EffCreateOffer}}

	case ev.Kind == EvLocalDescription && n.State == domain.StateOffering && ev.Description != nil:
		n.State = domain.StateAwaitingAnswer
		n.LinkReady = true
		meta := n.Meta
		effs := []Effect{
			{Kind: EffSendSignal, Signal: n.signal(domain.SignalOffer, ev.Description, nil, &meta)},
			{Kind: EffStartTimer, Timer: TimerHandshake, After: n.Timeouts.Handshake},
			{Kind: EffStartTimer, Timer: TimerTransfer, After: n.Timeouts.Transfer},
		}
		return n.flushPending(effs)

	case ev.Kind == EvRemoteAnswer && n.State == domain.StateAwaitingAnswer && ev.Description != nil:
		n.State = domain.StateConnecting
		return n, []Effect{{Kind: EffApplyAnswer, Description: ev.Description}}

	case ev.Kind == EvChannelOpen && n.State == domain.StateConnecting:
		return n.open()

	case ev.Kind == EvStreamComplete && n.State == domain.StateOpen:
		return n.complete()
	}
	return n, nil
}

func (n Negotiation) stepReceiver(ev Event) (Negotiation, []Effect) {
	switch {
	case ev.Kind == EvRemoteOffer && n.State == domain.StateIdle && ev.Description != nil:
		n.State = domain.StateOffering
		d := *ev.Description
		n.Remote = &d
		if ev.Meta != nil {
			n.Meta = *ev.Meta
		}
		return n, []Effect{
			{Kind: EffPromptUser},
			{Kind: EffStartTimer, Timer: TimerHandshake, After: n.Timeouts.Handshake},
		}

	case ev.Kind == EvAccept && n.State == domain.StateOffering:
		n.State = domain.StateConnecting
		return n, []Effect{
			{Kind: EffCreateAnswer, Description: n.Remote},
			{Kind: EffStartTimer, Timer: TimerTransfer, After: n.Timeouts.Transfer},
		}

	case ev.Kind == EvLocalDescription && n.State == domain.StateConnecting && !n.LinkReady && ev.Description != nil:
		n.LinkReady = true
		effs := []Effect{
			{Kind: EffSendSignal, Signal: n.signal(domain.SignalAnswer, ev.Description, nil, nil)},
		}
		return n.flushPending(effs)

	case ev.Kind == EvChannelOpen && n.State == domain.StateConnecting:
		return n.open()

	case ev.Kind == EvStreamComplete && n.State == domain.StateOpen:
		return n.complete()
	}
	return n, nil
}

func (n Negotiation) open() (Negotiation, []Effect) {
	n.State = domain.StateOpen
	return n, []Effect{
		{Kind: EffCancelTimers, Timer: TimerHandshake},
		{Kind: EffStartStream},
	}
}

func (n Negotiation) complete() (Negotiation, []Effect) {
	n.State = domain.StateClosed
	return n, []Effect{
		{Kind: EffCancelTimers, Timer: TimerAll},
		{Kind: EffCloseChannel},
		{Kind: EffFinish},
	}
}

// decline ends the transfer as declined. local is true when the decision
// was ours, in which case the peer is told.
func (n Negotiation) decline(local bool) (Negotiation, []Effect) {
	var effs []Effect
	if local && n.State != domain.StateIdle {
		effs = append(effs, Effect{Kind: EffSendSignal, Signal: n.signal(domain.SignalDecline, nil, nil, nil)})
	}
	n.State = domain.StateDeclined
	n.Err = domain.ErrNegotiationDeclined
	n.PendingLocal, n.PendingRemote = nil, nil
	return n, append(effs,
		Effect{Kind: EffCancelTimers, Timer: TimerAll},
		Effect{Kind: EffCloseChannel},
		Effect{Kind: EffFinish, Err: n.Err},
	)
}

func (n Negotiation) fail(err error) (Negotiation, []Effect) {
	n.State = domain.StateFailed
	n.Err = err
	n.PendingLocal, n.PendingRemote = nil, nil
	return n, []Effect{
		{Kind: EffCancelTimers, Timer: TimerAll},
		{Kind: EffCloseChannel},
		{Kind: EffFinish, Err: err},
	}
}

func (n Negotiation) timeout(t TimerKind) (Negotiation, []Effect) {
	switch t {
	case TimerHandshake:
		// Stale once the channel is open.
		if n.State == domain.StateOpen || n.State == domain.StateIdle {
			return n, nil
		}
		return n.fail(fmt.Errorf("%w: handshake", domain.ErrNegotiationTimeout))
	case TimerTransfer:
		if n.State == domain.StateIdle {
			return n, nil
		}
		return n.fail(fmt.Errorf("%w: transfer", domain.ErrNegotiationTimeout))
	}
	return n, nil
}

func (n Negotiation) localCandidate(c *domain.Candidate) (Negotiation, []Effect) {
	if c == nil || n.State == domain.StateIdle {
		return n, nil
	}
	if !n.LinkReady {
		n.PendingLocal = append(append([]domain.Candidate(nil), n.PendingLocal...), *c)
		return n, nil
	}
	cand := *c
	return n, []Effect{{Kind: EffSendSignal, Signal: n.signal(domain.SignalCandidate, nil, &cand, nil)}}
}

func (n Negotiation) remoteCandidate(c *domain.Candidate) (Negotiation, []Effect) {
	if c == nil || n.State == domain.StateIdle {
		return n, nil
	}
	// A sender has not heard from the peer before the answer.
	if n.Role == domain.RoleSender && n.State == domain.StateOffering {
		return n, nil
	}
	if !n.LinkReady {
		n.PendingRemote = append(append([]domain.Candidate(nil), n.PendingRemote...), *c)
		return n, nil
	}
	cand := *c
	return n, []Effect{{Kind: EffAddRemoteCandidate, Candidate: &cand}}
}

func (n Negotiation) flushPending(effs []Effect) (Negotiation, []Effect) {
	for i := range n.PendingLocal {
		c := n.PendingLocal[i]
		effs = append(effs, Effect{Kind: EffSendSignal, Signal: n.signal(domain.SignalCandidate, nil, &c, nil)})
	}
	for i := range n.PendingRemote {
		c := n.PendingRemote[i]
		effs = append(effs, Effect{Kind: EffAddRemoteCandidate, Candidate: &c})
	}
	n.PendingLocal, n.PendingRemote = nil, nil
	return n, effs
}

func (n Negotiation) signal(kind domain.SignalKind, d *domain.Description, c *domain.Candidate, m *domain.FileMeta) *domain.Signal {
	return &domain.Signal{
		TransferID:  n.ID,
		From:        n.Self,
		To:          n.Peer,
		Kind:        kind,
		Description: d,
		Candidate:   c,
		Meta:        m,
	}
}

// classify keeps an already classified error and otherwise files it as a
// channel failure.
func classify(err error) error {
	switch {
	case err == nil:
		return domain.ErrChannelFailure
	case errors.Is(err, domain.ErrNegotiationTimeout),
		errors.Is(err, domain.ErrChannelFailure),
		errors.Is(err, domain.ErrNegotiationDeclined):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrChannelFailure, err)
}

// EventForSignal maps an incoming relay signal to an event.
func EventForSignal(sig domain.Signal) (Event, bool) {
	switch sig.Kind {
	case domain.SignalOffer:
		return Event{Kind: EvRemoteOffer, Description: sig.Description, Meta: sig.Meta}, true
	case domain.SignalAnswer:
		return Event{Kind: EvRemoteAnswer, Description: sig.Description}, true
	case domain.SignalCandidate:
		return Event{Kind: EvRemoteCandidate, Candidate: sig.Candidate}, true
	case domain.SignalDecline:
		return Event{Kind: EvRemoteDecline}, true
	}
	return Event{}, false
}
