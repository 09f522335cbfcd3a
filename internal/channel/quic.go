package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/domain"
)

const (
	alpn = "sealchat-direct/1"

	// maxFrame bounds a single length-prefixed message.
	maxFrame = 16 << 20

	roleOffer  = "offer"
	roleAnswer = "answer"
)

var hello = []byte("sealchat-hello")

// params is the CBOR body of Description.Params.
type params struct {
	ID   string `cbor:"i"`
	Role string `cbor:"r"`
}

// QUICOptions configures the QUIC connector.
type QUICOptions struct {
	// ListenAddr is where offers listen, e.g. "0.0.0.0:0".
	ListenAddr string
	// Advertise replaces the gathered candidates when set.
	Advertise []string
}

// QUIC is a Connector over QUIC. Each side presents a fresh self-signed
// certificate whose SHA-256 fingerprint travels in the description, and
// each side pins the other's fingerprint. The offerer listens on UDP and
// publishes its addresses as candidates; the answerer dials them.
type QUIC struct {
	opts QUICOptions
	log  *logging.Logger
}

var _ domain.Connector = (*QUIC)(nil)

// NewQUIC returns a QUIC connector.
func NewQUIC(opts QUICOptions, log *logging.Logger) *QUIC {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "0.0.0.0:0"
	}
	return &QUIC{opts: opts, log: log}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

func (q *QUIC) Offer(_ context.Context, id domain.TransferID) (domain.Link, domain.Description, error) {
	cert, fp, err := selfSigned()
	if err != nil {
		return nil, domain.Description{}, err
	}
	l := newQUICLink(q.log, roleOffer)

	tlsConf := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		NextProtos:            []string{alpn},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: l.verifyPeer,
	}
	ln, err := quic.ListenAddr(q.opts.ListenAddr, tlsConf, quicConfig())
	if err != nil {
		return nil, domain.Description{}, fmt.Errorf("%w: listen %s: %v", domain.ErrChannelFailure, q.opts.ListenAddr, err)
	}
	l.ln = ln

	cands := q.candidates(ln.Addr())
	l.cands = make(chan domain.Candidate, len(cands))
	for _, c := range cands {
		l.cands <- c
	}
	close(l.cands)
	q.log.Debugf("transfer %s: listening on %s, %d candidate(s)", id, ln.Addr(), len(cands))

	p, err := cbor.Marshal(params{ID: id.String(), Role: roleOffer})
	if err != nil {
		ln.Close()
		return nil, domain.Description{}, err
	}
	return l, domain.Description{Fingerprint: fp, Params: p}, nil
}

func (q *QUIC) Answer(_ context.Context, id domain.TransferID, remote domain.Description) (domain.Link, domain.Description, error) {
	var rp params
	if err := cbor.Unmarshal(remote.Params, &rp); err != nil || rp.Role != roleOffer {
		return nil, domain.Description{}, fmt.Errorf("%w: remote description is not an offer", domain.ErrChannelFailure)
	}
	if len(remote.Fingerprint) != sha256.Size {
		return nil, domain.Description{}, fmt.Errorf("%w: bad remote fingerprint", domain.ErrChannelFailure)
	}
	cert, fp, err := selfSigned()
	if err != nil {
		return nil, domain.Description{}, err
	}

	l := newQUICLink(q.log, roleAnswer)
	l.expected = append([]byte(nil), remote.Fingerprint...)
	l.cands = make(chan domain.Candidate)
	close(l.cands)
	l.clientConf = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
		ServerName:   "sealchat",
		// Trust comes from the pinned fingerprint, not a CA.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: l.verifyPeer,
	}

	p, err := cbor.Marshal(params{ID: id.String(), Role: roleAnswer})
	if err != nil {
		return nil, domain.Description{}, err
	}
	return l, domain.Description{Fingerprint: fp, Params: p}, nil
}

func (q *QUIC) candidates(addr net.Addr) []domain.Candidate {
	if len(q.opts.Advertise) > 0 {
		out := make([]domain.Candidate, 0, len(q.opts.Advertise))
		for _, a := range q.opts.Advertise {
			out = append(out, domain.Candidate{Network: "udp", Address: a})
		}
		return out
	}

	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return []domain.Candidate{{Network: "udp", Address: addr.String()}}
	}
	if !ua.IP.IsUnspecified() {
		return []domain.Candidate{{Network: "udp", Address: ua.String()}}
	}

	var out []domain.Candidate
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		q.log.Warningf("enumerating interfaces: %v", err)
	}
	for _, ia := range ifAddrs {
		ipn, ok := ia.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, domain.Candidate{
			Network: "udp",
			Address: net.JoinHostPort(ipn.IP.String(), fmt.Sprint(ua.Port)),
		})
	}
	if len(out) == 0 {
		out = append(out, domain.Candidate{Network: "udp", Address: net.JoinHostPort("127.0.0.1", fmt.Sprint(ua.Port))})
	}
	return out
}

// selfSigned returns a throwaway ed25519 certificate and the SHA-256 of
// its DER encoding.
func selfSigned() (tls.Certificate, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		DNSNames:     []string{"sealchat"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	sum := sha256.Sum256(der)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, sum[:], nil
}

type quicLink struct {
	log  *logging.Logger
	role string

	ln         *quic.Listener
	clientConf *tls.Config
	cands      chan domain.Candidate

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	expected  []byte
	conn      *quic.Conn
	connected chan struct{}
}

func newQUICLink(log *logging.Logger, role string) *quicLink {
	ctx, cancel := context.WithCancel(context.Background())
	return &quicLink{log: log, role: role, ctx: ctx, cancel: cancel, connected: make(chan struct{})}
}

func (l *quicLink) verifyPeer(raw [][]byte, _ [][]*x509.Certificate) error {
	if len(raw) == 0 {
		return errors.New("peer presented no certificate")
	}
	sum := sha256.Sum256(raw[0])
	l.mu.Lock()
	want := l.expected
	l.mu.Unlock()
	if want == nil {
		return errors.New("peer description not known yet")
	}
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return errors.New("peer certificate fingerprint mismatch")
	}
	return nil
}

func (l *quicLink) Candidates() <-chan domain.Candidate { return l.cands }

func (l *quicLink) SetRemoteDescription(d domain.Description) error {
	if l.role != roleOffer {
		return fmt.Errorf("%w: only the offerer applies an answer", domain.ErrChannelFailure)
	}
	var rp params
	if err := cbor.Unmarshal(d.Params, &rp); err != nil || rp.Role != roleAnswer {
		return fmt.Errorf("%w: remote description is not an answer", domain.ErrChannelFailure)
	}
	if len(d.Fingerprint) != sha256.Size {
		return fmt.Errorf("%w: bad remote fingerprint", domain.ErrChannelFailure)
	}
	l.mu.Lock()
	l.expected = append([]byte(nil), d.Fingerprint...)
	l.mu.Unlock()
	return nil
}

// AddRemoteCandidate starts a dial to c. The first verified connection
// wins; later ones are closed.
func (l *quicLink) AddRemoteCandidate(c domain.Candidate) error {
	if l.role != roleAnswer {
		return nil
	}
	if c.Network != "udp" {
		return fmt.Errorf("unsupported candidate network %q", c.Network)
	}
	go func() {
		conn, err := quic.DialAddr(l.ctx, c.Address, l.clientConf, quicConfig())
		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			l.log.Debugf("dial %s: %v", c.Address, err)
			return
		}
		if l.conn != nil {
			_ = conn.CloseWithError(0, "duplicate")
			return
		}
		l.conn = conn
		close(l.connected)
	}()
	return nil
}

func (l *quicLink) Open(ctx context.Context) (domain.Channel, error) {
	if l.role == roleOffer {
		return l.accept(ctx)
	}
	return l.dial(ctx)
}

func (l *quicLink) accept(ctx context.Context) (domain.Channel, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, openError(ctx, "accept", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, openError(ctx, "accept stream", err)
	}
	ch := newQUICChannel(conn, stream)
	b, err := ch.Recv(ctx)
	if err != nil || subtle.ConstantTimeCompare(b, hello) != 1 {
		_ = ch.Close()
		return nil, openError(ctx, "hello", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return ch, nil
}

func (l *quicLink) dial(ctx context.Context) (domain.Channel, error) {
	select {
	case <-l.connected:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, fmt.Errorf("%w: link closed", domain.ErrChannelFailure)
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, openError(ctx, "open stream", err)
	}
	ch := newQUICChannel(conn, stream)
	if err := ch.Send(hello); err != nil {
		_ = ch.Close()
		return nil, openError(ctx, "hello", err)
	}
	return ch, nil
}

func (l *quicLink) Close() error {
	l.cancel()
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(0, "closed")
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func openError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errors.New("unexpected first message")
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrChannelFailure, op, err)
}

// quicChannel frames messages with a 4-byte big-endian length on a single
// bidirectional stream. Send queues to a writer goroutine so that
// BufferedAmount reflects bytes not yet written to the stream.
type quicChannel struct {
	conn   *quic.Conn
	stream *quic.Stream

	mu       sync.Mutex
	queue    [][]byte
	buffered int
	writeErr error
	wake     chan struct{}

	inbox    chan []byte
	readDone chan struct{}
	readErr  error

	closeOnce sync.Once
	done      chan struct{}
}

func newQUICChannel(conn *quic.Conn, stream *quic.Stream) *quicChannel {
	c := &quicChannel{
		conn:     conn,
		stream:   stream,
		wake:     make(chan struct{}, 1),
		inbox:    make(chan []byte, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *quicChannel) Send(msg []byte) error {
	if len(msg) > maxFrame {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(msg))
	}
	b := make([]byte, len(msg))
	copy(b, msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.queue = append(c.queue, b)
	c.buffered += len(b)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *quicChannel) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *quicChannel) writeLoop() {
	var hdr [4]byte
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		b := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
		_, err := c.stream.Write(hdr[:])
		if err == nil {
			_, err = c.stream.Write(b)
		}

		c.mu.Lock()
		c.buffered -= len(b)
		if err != nil {
			c.writeErr = fmt.Errorf("%w: write: %v", domain.ErrChannelFailure, err)
			c.queue, c.buffered = nil, 0
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

func (c *quicChannel) readLoop() {
	defer close(c.readDone)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(c.stream, hdr[:]); err != nil {
			c.readErr = err
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrame {
			c.readErr = fmt.Errorf("frame of %d bytes exceeds limit", n)
			return
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(c.stream, b); err != nil {
			c.readErr = err
			return
		}
		select {
		case c.inbox <- b:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
}

func (c *quicChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.readDone:
		select {
		case b := <-c.inbox:
			return b, nil
		default:
		}
		return nil, fmt.Errorf("%w: read: %v", domain.ErrChannelFailure, c.readErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *quicChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		_ = c.stream.Close()
		_ = c.conn.CloseWithError(0, "closed")
	})
	return nil
}
