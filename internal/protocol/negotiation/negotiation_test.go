package negotiation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealchat/internal/domain"
	"sealchat/internal/protocol/negotiation"
)

var timeouts = negotiation.Timeouts{Handshake: 5 * time.Second, Transfer: time.Minute}

var (
	desc = &domain.Description{Fingerprint: []byte{1, 2, 3}}
	cand = &domain.Candidate{Network: "udp", Address: "127.0.0.1:4000"}
	meta = domain.FileMeta{Name: "a.txt", Size: 5, MimeType: "text/plain", ContentDigest: "sha256:00"}
)

func kinds(effs []negotiation.Effect) []negotiation.EffectKind {
	out := make([]negotiation.EffectKind, len(effs))
	for i, e := range effs {
		out[i] = e.Kind
	}
	return out
}

func step(t *testing.T, n negotiation.Negotiation, ev negotiation.Event) (negotiation.Negotiation, []negotiation.Effect) {
	t.Helper()
	return negotiation.Step(n, ev)
}

// openSender drives a sender to the open state.
func openSender(t *testing.T) negotiation.Negotiation {
	t.Helper()
	n := negotiation.NewSender("t1", "alice", "bob", meta, timeouts)
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvStart})
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvLocalDescription, Description: desc})
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvRemoteAnswer, Description: desc})
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvChannelOpen})
	require.Equal(t, domain.StateOpen, n.State)
	return n
}

func offeredReceiver(t *testing.T) negotiation.Negotiation {
	t.Helper()
	n := negotiation.NewReceiver("t1", "bob", "alice", timeouts)
	m := meta
	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvRemoteOffer, Description: desc, Meta: &m})
	require.Equal(t, domain.StateOffering, n.State)
	require.Equal(t, []negotiation.EffectKind{negotiation.EffPromptUser, negotiation.EffStartTimer}, kinds(effs))
	require.Equal(t, meta, n.Meta)
	return n
}

func TestSender_HappyPath(t *testing.T) {
	n := negotiation.NewSender("t1", "alice", "bob", meta, timeouts)

	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvStart})
	require.Equal(t, domain.StateOffering, n.State)
	require.Equal(t, []negotiation.EffectKind{negotiation.EffCreateOffer}, kinds(effs))

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvLocalDescription, Description: desc})
	require.Equal(t, domain.StateAwaitingAnswer, n.State)
	require.Equal(t, []negotiation.EffectKind{
		negotiation.EffSendSignal, negotiation.EffStartTimer, negotiation.EffStartTimer,
	}, kinds(effs))
	offer := effs[0].Signal
	require.Equal(t, domain.SignalOffer, offer.Kind)
	require.Equal(t, domain.TransferID("t1"), offer.TransferID)
	require.Equal(t, domain.Identity("bob"), offer.To)
	require.Equal(t, meta, *offer.Meta)
	require.Equal(t, negotiation.TimerHandshake, effs[1].Timer)
	require.Equal(t, timeouts.Handshake, effs[1].After)
	require.Equal(t, negotiation.TimerTransfer, effs[2].Timer)

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvRemoteAnswer, Description: desc})
	require.Equal(t, domain.StateConnecting, n.State)
	require.Equal(t, []negotiation.EffectKind{negotiation.EffApplyAnswer}, kinds(effs))

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvChannelOpen})
	require.Equal(t, domain.StateOpen, n.State)
	require.Equal(t, []negotiation.EffectKind{negotiation.EffCancelTimers, negotiation.EffStartStream}, kinds(effs))
	require.Equal(t, negotiation.TimerHandshake, effs[0].Timer)

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvStreamComplete})
	require.Equal(t, domain.StateClosed, n.State)
	require.Equal(t, []negotiation.EffectKind{
		negotiation.EffCancelTimers, negotiation.EffCloseChannel, negotiation.EffFinish,
	}, kinds(effs))
	require.NoError(t, effs[2].Err)
}

func TestReceiver_HappyPath(t *testing.T) {
	n := offeredReceiver(t)

	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvAccept})
	require.Equal(t, domain.StateConnecting, n.State)
	require.Equal(t, []negotiation.EffectKind{negotiation.EffCreateAnswer, negotiation.EffStartTimer}, kinds(effs))
	require.Equal(t, desc.Fingerprint, effs[0].Description.Fingerprint)

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvLocalDescription, Description: desc})
	require.Equal(t, domain.StateConnecting, n.State)
	require.Equal(t, []negotiation.EffectKind{negotiation.EffSendSignal}, kinds(effs))
	require.Equal(t, domain.SignalAnswer, effs[0].Signal.Kind)
	require.Equal(t, domain.Identity("alice"), effs[0].Signal.To)

	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvChannelOpen})
	require.Equal(t, domain.StateOpen, n.State)

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvStreamComplete})
	require.Equal(t, domain.StateClosed, n.State)
	require.Equal(t, negotiation.EffFinish, effs[len(effs)-1].Kind)
}

func TestReceiver_DeclineSendsSignalAndStops(t *testing.T) {
	n := offeredReceiver(t)

	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvDecline})
	require.Equal(t, domain.StateDeclined, n.State)
	require.Equal(t, negotiation.EffSendSignal, effs[0].Kind)
	require.Equal(t, domain.SignalDecline, effs[0].Signal.Kind)
	last := effs[len(effs)-1]
	require.Equal(t, negotiation.EffFinish, last.Kind)
	require.ErrorIs(t, last.Err, domain.ErrNegotiationDeclined)

	// Nothing after decline.
	for _, ev := range []negotiation.Event{
		{Kind: negotiation.EvAccept},
		{Kind: negotiation.EvRemoteOffer, Description: desc},
		{Kind: negotiation.EvRemoteCandidate, Candidate: cand},
		{Kind: negotiation.EvTimeout, Timer: negotiation.TimerHandshake},
	} {
		next, effs := step(t, n, ev)
		require.Equal(t, domain.StateDeclined, next.State, ev.Kind.String())
		require.Empty(t, effs, ev.Kind.String())
	}
}

func TestSender_RemoteDecline(t *testing.T) {
	n := negotiation.NewSender("t1", "alice", "bob", meta, timeouts)
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvStart})
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvLocalDescription, Description: desc})

	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvRemoteDecline})
	require.Equal(t, domain.StateDeclined, n.State)
	for _, e := range effs {
		require.NotEqual(t, negotiation.EffSendSignal, e.Kind, "a remote decline is not echoed")
	}
	require.ErrorIs(t, effs[len(effs)-1].Err, domain.ErrNegotiationDeclined)
	require.False(t, domain.Fallbackable(n.Err))
}

func TestTimeouts_FailNotDecline(t *testing.T) {
	n := negotiation.NewSender("t1", "alice", "bob", meta, timeouts)
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvStart})
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvLocalDescription, Description: desc})

	hs, effs := step(t, n, negotiation.Event{Kind: negotiation.EvTimeout, Timer: negotiation.TimerHandshake})
	require.Equal(t, domain.StateFailed, hs.State)
	require.ErrorIs(t, hs.Err, domain.ErrNegotiationTimeout)
	require.ErrorIs(t, effs[len(effs)-1].Err, domain.ErrNegotiationTimeout)
	require.True(t, domain.Fallbackable(hs.Err))

	open := openSender(t)
	stale, effs := step(t, open, negotiation.Event{Kind: negotiation.EvTimeout, Timer: negotiation.TimerHandshake})
	require.Equal(t, domain.StateOpen, stale.State, "handshake timer is stale once open")
	require.Empty(t, effs)

	overall, _ := step(t, open, negotiation.Event{Kind: negotiation.EvTimeout, Timer: negotiation.TimerTransfer})
	require.Equal(t, domain.StateFailed, overall.State)
	require.ErrorIs(t, overall.Err, domain.ErrNegotiationTimeout)
}

func TestErrors_ClassifiedAsChannelFailure(t *testing.T) {
	n := openSender(t)
	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvError, Err: errors.New("stream reset")})
	require.Equal(t, domain.StateFailed, n.State)
	require.ErrorIs(t, n.Err, domain.ErrChannelFailure)
	require.Contains(t, kinds(effs), negotiation.EffCloseChannel)

	n = openSender(t)
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvError, Err: domain.ErrNegotiationTimeout})
	require.ErrorIs(t, n.Err, domain.ErrNegotiationTimeout)
}

func TestDuplicatesAreNoOps(t *testing.T) {
	n := openSender(t)
	for _, ev := range []negotiation.Event{
		{Kind: negotiation.EvStart},
		{Kind: negotiation.EvLocalDescription, Description: desc},
		{Kind: negotiation.EvRemoteAnswer, Description: desc},
		{Kind: negotiation.EvRemoteOffer, Description: desc},
		{Kind: negotiation.EvAccept},
		{Kind: negotiation.EvChannelOpen},
	} {
		next, effs := step(t, n, ev)
		require.Equal(t, domain.StateOpen, next.State, ev.Kind.String())
		require.Empty(t, effs, ev.Kind.String())
	}

	r := offeredReceiver(t)
	again, effs := step(t, r, negotiation.Event{Kind: negotiation.EvRemoteOffer, Description: desc})
	require.Equal(t, domain.StateOffering, again.State)
	require.Empty(t, effs, "second offer for the same id is ignored")
}

func TestCandidates_HeldUntilLinkThenFlushed(t *testing.T) {
	n := offeredReceiver(t)

	// Remote candidates before accept are held.
	n, effs := step(t, n, negotiation.Event{Kind: negotiation.EvRemoteCandidate, Candidate: cand})
	require.Empty(t, effs)
	require.Len(t, n.PendingRemote, 1)

	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvAccept})
	local := &domain.Candidate{Network: "udp", Address: "10.0.0.2:5000"}
	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvLocalCandidate, Candidate: local})
	require.Empty(t, effs)
	require.Len(t, n.PendingLocal, 1)

	n, effs = step(t, n, negotiation.Event{Kind: negotiation.EvLocalDescription, Description: desc})
	require.Equal(t, []negotiation.EffectKind{
		negotiation.EffSendSignal, negotiation.EffSendSignal, negotiation.EffAddRemoteCandidate,
	}, kinds(effs))
	require.Equal(t, domain.SignalAnswer, effs[0].Signal.Kind)
	require.Equal(t, domain.SignalCandidate, effs[1].Signal.Kind)
	require.Equal(t, local.Address, effs[1].Signal.Candidate.Address)
	require.Equal(t, cand.Address, effs[2].Candidate.Address)
	require.Empty(t, n.PendingLocal)
	require.Empty(t, n.PendingRemote)

	// Once the link exists candidates flow straight through.
	_, effs = step(t, n, negotiation.Event{Kind: negotiation.EvRemoteCandidate, Candidate: cand})
	require.Equal(t, []negotiation.EffectKind{negotiation.EffAddRemoteCandidate}, kinds(effs))
	_, effs = step(t, n, negotiation.Event{Kind: negotiation.EvLocalCandidate, Candidate: local})
	require.Equal(t, []negotiation.EffectKind{negotiation.EffSendSignal}, kinds(effs))
}

func TestStep_DoesNotMutateInput(t *testing.T) {
	n := offeredReceiver(t)
	n, _ = step(t, n, negotiation.Event{Kind: negotiation.EvRemoteCandidate, Candidate: cand})
	before := len(n.PendingRemote)

	_, _ = step(t, n, negotiation.Event{Kind: negotiation.EvRemoteCandidate, Candidate: cand})
	require.Len(t, n.PendingRemote, before)
}

func TestEventForSignal(t *testing.T) {
	ev, ok := negotiation.EventForSignal(domain.Signal{Kind: domain.SignalOffer, Description: desc, Meta: &meta})
	require.True(t, ok)
	require.Equal(t, negotiation.EvRemoteOffer, ev.Kind)

	_, ok = negotiation.EventForSignal(domain.Signal{Kind: "bogus"})
	require.False(t, ok)
}
