package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealchat/internal/channel"
	"sealchat/internal/domain"
	"sealchat/internal/log"
)

func TestPipe_BufferedUntilPeerReads(t *testing.T) {
	a, b := channel.Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send([]byte("abc")))
	require.NoError(t, a.Send([]byte("de")))
	require.Equal(t, 5, a.BufferedAmount())
	require.Equal(t, 0, b.BufferedAmount())

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
	require.Equal(t, 2, a.BufferedAmount())

	require.NoError(t, b.Send([]byte("ack")))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "ack", string(got))
}

func TestPipe_CloseDrainsThenFails(t *testing.T) {
	a, b := channel.Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send([]byte("last")))
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send([]byte("x")), channel.ErrClosed)

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "last", string(got))

	_, err = b.Recv(ctx)
	require.ErrorIs(t, err, channel.ErrClosed)
}

func TestPipe_RecvHonoursContext(t *testing.T) {
	_, b := channel.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSwitchboard_OfferAnswerOpen(t *testing.T) {
	sb := channel.NewSwitchboard()
	ctx := context.Background()

	offer, desc, err := sb.Connector().Offer(ctx, "t1")
	require.NoError(t, err)
	var cands []domain.Candidate
	for c := range offer.Candidates() {
		cands = append(cands, c)
	}
	require.Len(t, cands, 1)

	answer, adesc, err := sb.Connector().Answer(ctx, "t1", desc)
	require.NoError(t, err)
	require.NoError(t, offer.SetRemoteDescription(adesc))

	ca, err := offer.Open(ctx)
	require.NoError(t, err)
	cb, err := answer.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, ca.Send([]byte("ping")))
	got, err := cb.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))

	require.NoError(t, offer.Close())
	require.NoError(t, answer.Close())
}

func TestSwitchboard_UnknownOffer(t *testing.T) {
	sb := channel.NewSwitchboard()
	_, _, err := sb.Connector().Answer(context.Background(), "t1", domain.Description{Fingerprint: []byte("nope")})
	require.ErrorIs(t, err, domain.ErrChannelFailure)
}

func TestSwitchboard_BlockedNeverOpens(t *testing.T) {
	sb := channel.NewSwitchboard()
	sb.Block(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	offer, desc, err := sb.Connector().Offer(ctx, "t1")
	require.NoError(t, err)
	_, _, err = sb.Connector().Answer(ctx, "t1", desc)
	require.NoError(t, err)

	_, err = offer.Open(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQUIC_Loopback(t *testing.T) {
	l := log.Discard()
	offerer := channel.NewQUIC(channel.QUICOptions{ListenAddr: "127.0.0.1:0"}, l.GetLogger("quic"))
	answerer := channel.NewQUIC(channel.QUICOptions{}, l.GetLogger("quic"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	olink, odesc, err := offerer.Offer(ctx, "t1")
	require.NoError(t, err)
	defer olink.Close()
	alink, adesc, err := answerer.Answer(ctx, "t1", odesc)
	require.NoError(t, err)
	defer alink.Close()

	require.NoError(t, olink.SetRemoteDescription(adesc))
	for c := range olink.Candidates() {
		require.Equal(t, "udp", c.Network)
		require.NoError(t, alink.AddRemoteCandidate(c))
	}

	type opened struct {
		ch  domain.Channel
		err error
	}
	oc := make(chan opened, 1)
	go func() {
		ch, err := olink.Open(ctx)
		oc <- opened{ch, err}
	}()

	ach, err := alink.Open(ctx)
	require.NoError(t, err)
	o := <-oc
	require.NoError(t, o.err)

	require.NoError(t, ach.Send([]byte("over quic")))
	got, err := o.ch.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "over quic", string(got))

	require.NoError(t, o.ch.Send([]byte("back")))
	got, err = ach.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "back", string(got))

	require.NoError(t, ach.Close())
	require.NoError(t, o.ch.Close())
}

func TestQUIC_WrongFingerprintRejected(t *testing.T) {
	l := log.Discard()
	offerer := channel.NewQUIC(channel.QUICOptions{ListenAddr: "127.0.0.1:0"}, l.GetLogger("quic"))
	answerer := channel.NewQUIC(channel.QUICOptions{}, l.GetLogger("quic"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	olink, odesc, err := offerer.Offer(ctx, "t1")
	require.NoError(t, err)
	defer olink.Close()

	// Pin a different certificate than the one the offerer serves.
	decoy, other, err := offerer.Offer(ctx, "t2")
	require.NoError(t, err)
	defer decoy.Close()
	other.Params = odesc.Params
	alink, _, err := answerer.Answer(ctx, "t1", other)
	require.NoError(t, err)
	defer alink.Close()

	for c := range olink.Candidates() {
		require.NoError(t, alink.AddRemoteCandidate(c))
	}
	short, cancelShort := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancelShort()
	_, err = alink.Open(short)
	require.Error(t, err)
}
