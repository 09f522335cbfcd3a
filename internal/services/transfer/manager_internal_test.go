package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sealchat/internal/channel"
	"sealchat/internal/domain"
	"sealchat/internal/log"
	"sealchat/internal/protocol/negotiation"
	"sealchat/internal/relay"
)

func TestPrompt_FullQueueLeavesNoTimer(t *testing.T) {
	m := NewManager("bob", channel.NewSwitchboard().Connector(), relay.NewMemory(),
		log.Discard().GetLogger("transfer"), Options{IncomingBuffer: 1, TeardownGrace: -1})
	t.Cleanup(m.Close)
	m.incoming <- &Offer{ID: "queued"}

	sig := domain.Signal{
		TransferID:  "t1",
		From:        "alice",
		To:          "bob",
		Kind:        domain.SignalOffer,
		Description: &domain.Description{Fingerprint: []byte{1}},
		Meta:        &domain.FileMeta{Name: "f.bin"},
	}
	ev, ok := negotiation.EventForSignal(sig)
	require.True(t, ok)

	var (
		rec     *record
		timers  int
		evicted bool
	)
	require.NoError(t, m.do(func() {
		rec = m.newRecord(negotiation.NewReceiver("t1", "bob", "alice", m.opts.Timeouts), make(chan outcome, 1))
		m.apply("t1", rec, ev)
		timers = len(rec.timers)
		_, live := m.transfers["t1"]
		evicted = !live
	}))

	require.True(t, evicted)
	require.Zero(t, timers)
	out := <-rec.done
	require.ErrorIs(t, out.err, domain.ErrNegotiationDeclined)
}

func TestStartTimer_SkipsEvictedRecord(t *testing.T) {
	m := NewManager("bob", channel.NewSwitchboard().Connector(), relay.NewMemory(),
		log.Discard().GetLogger("transfer"), Options{TeardownGrace: -1})
	t.Cleanup(m.Close)

	var timers int
	require.NoError(t, m.do(func() {
		rec := m.newRecord(negotiation.NewReceiver("t1", "bob", "alice", m.opts.Timeouts), make(chan outcome, 1))
		delete(m.transfers, "t1")
		m.startTimer("t1", rec, negotiation.TimerHandshake, m.opts.Timeouts.Handshake)
		timers = len(rec.timers)
	}))
	require.Zero(t, timers)
}
