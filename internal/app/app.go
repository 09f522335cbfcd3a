package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/metrics"
	"sealchat/internal/relay"
	"sealchat/internal/services/message"
	"sealchat/internal/services/transfer"
)

// SignalPollInterval is how often signals are pulled from an HTTP relay.
const SignalPollInterval = 500 * time.Millisecond

// App is the use-case layer over Wire. Each method backs one CLI command.
type App struct {
	*Wire
}

// New returns an App over w.
func New(w *Wire) *App { return &App{Wire: w} }

// Init creates a new key pair protected by password and publishes the
// public half.
func (a *App) Init(ctx context.Context, password string) (domain.Fingerprint, error) {
	pk, fp, err := a.Keys.Create(password)
	if err != nil {
		return "", err
	}
	if err := a.publish(ctx, pk.Key); err != nil {
		return fp, fmt.Errorf("key created but not published: %w", err)
	}
	return fp, nil
}

// Register republishes the stored public key.
func (a *App) Register(ctx context.Context, password string) (domain.Fingerprint, error) {
	k, err := a.Keys.Unlock(ctx, password)
	if err != nil {
		return "", err
	}
	if err := a.publish(ctx, k.Public); err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(k.Public.Slice())), nil
}

func (a *App) publish(ctx context.Context, pub domain.X25519Public) error {
	der, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return err
	}
	return a.Relay.PublishPublicKey(ctx, a.Self, der)
}

// Fingerprint unlocks the key and returns its fingerprint.
func (a *App) Fingerprint(ctx context.Context, password string) (domain.Fingerprint, error) {
	k, err := a.Keys.Unlock(ctx, password)
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(k.Public.Slice())), nil
}

// Unlock makes the private key available to the services.
func (a *App) Unlock(ctx context.Context, password string) error {
	_, err := a.Keys.Unlock(ctx, password)
	return err
}

// Send delivers a text message to peer.
func (a *App) Send(ctx context.Context, peer domain.Identity, text string) error {
	return a.Messages.SendDirect(ctx, peer, []byte(text))
}

// SendRoom delivers a text message to every member of room.
func (a *App) SendRoom(ctx context.Context, room domain.RoomID, text string) error {
	return a.Messages.SendRoom(ctx, room, []byte(text))
}

// Inbound is one received message. File is set when the message announces
// a relay-delivered file.
type Inbound struct {
	domain.DecryptedMessage
	File *domain.FilePointer
}

// Receive fetches and opens up to limit queued messages (0 for all).
func (a *App) Receive(ctx context.Context, limit int) ([]Inbound, error) {
	msgs, err := a.Messages.Receive(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Inbound, 0, len(msgs))
	for _, m := range msgs {
		in := Inbound{DecryptedMessage: m}
		if p, ok := message.ParseFilePointer(m.Plaintext); ok {
			in.File = &p
		}
		out = append(out, in)
	}
	return out, nil
}

// SendFile sends the file at path to peer, directly when possible.
func (a *App) SendFile(ctx context.Context, peer domain.Identity, path string, progress domain.ProgressFunc) (transfer.Delivery, error) {
	f, err := os.Open(path)
	if err != nil {
		return transfer.Delivery{}, err
	}
	defer f.Close()
	meta, err := transfer.Describe(path, f)
	if err != nil {
		return transfer.Delivery{}, err
	}

	// Answers arrive as signals, so pull them for the duration.
	sctx, stop := context.WithCancel(ctx)
	defer stop()
	a.pumpSignals(sctx)

	return a.Sender.SendFile(ctx, peer, meta, f, progress)
}

// SendRoomFile uploads the file at path for every member of room.
func (a *App) SendRoomFile(ctx context.Context, room domain.RoomID, path string, progress domain.ProgressFunc) (transfer.Delivery, error) {
	f, err := os.Open(path)
	if err != nil {
		return transfer.Delivery{}, err
	}
	defer f.Close()
	meta, err := transfer.Describe(path, f)
	if err != nil {
		return transfer.Delivery{}, err
	}
	return a.Sender.SendRoom(ctx, room, meta, f, progress)
}

// FetchFile downloads a relay-delivered file into dir and returns the
// written path. An integrity mismatch still writes the file and is
// returned alongside the path.
func (a *App) FetchFile(ctx context.Context, id domain.FileID, dir string) (string, error) {
	if a.Fallback == nil {
		return "", errors.New("relay fallback is disabled")
	}
	data, meta, err := a.Fallback.Fetch(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrIntegrityMismatch) {
		return "", err
	}
	path, werr := writeUnique(dir, meta.Name, data)
	if werr != nil {
		return "", werr
	}
	return path, err
}

// Offers decides on and reports incoming direct transfers.
type Offers struct {
	// Decide returns true to accept. Nil accepts everything.
	Decide func(o *transfer.Offer) bool
	// Done is called once per offer with the saved path, if any.
	Done func(o *transfer.Offer, path string, res transfer.Result, err error)
	// Progress is passed to every accepted transfer.
	Progress domain.ProgressFunc
}

// Listen serves signals, incoming transfers and the metrics endpoint until
// ctx ends. Accepted files are saved under dir.
func (a *App) Listen(ctx context.Context, dir string, h Offers) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.Config.Metrics.Address; addr != "" {
		g.Go(func() error { return metrics.Serve(ctx, addr) })
	}
	if a.Transfers != nil {
		a.pumpSignals(ctx)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case o := <-a.Transfers.Incoming():
					g.Go(func() error {
						a.serveOffer(ctx, dir, o, h)
						return nil
					})
				}
			}
		})
	}
	<-ctx.Done()
	return g.Wait()
}

func (a *App) serveOffer(ctx context.Context, dir string, o *transfer.Offer, h Offers) {
	if h.Decide != nil && !h.Decide(o) {
		o.Decline()
		if h.Done != nil {
			h.Done(o, "", transfer.Result{}, domain.ErrNegotiationDeclined)
		}
		return
	}

	part, err := os.CreateTemp(dir, ".sealchat-*.part")
	if err != nil {
		o.Decline()
		if h.Done != nil {
			h.Done(o, "", transfer.Result{}, err)
		}
		return
	}
	res, err := o.Accept(ctx, part, h.Progress)
	cerr := part.Close()
	path := ""
	if err == nil && cerr == nil {
		path, err = renameUnique(part.Name(), dir, o.Meta.Name)
	} else if err == nil {
		err = cerr
	}
	if path == "" {
		_ = os.Remove(part.Name())
	}
	if err == nil {
		err = res.Integrity
	}
	if h.Done != nil {
		h.Done(o, path, res, err)
	}
}

// pumpSignals routes signals to the transfer manager until ctx ends.
func (a *App) pumpSignals(ctx context.Context) {
	if a.Transfers == nil {
		return
	}
	if mem, ok := a.Relay.(*relay.Memory); ok {
		stop := mem.HandleSignals(a.Self, a.Transfers.HandleSignal)
		context.AfterFunc(ctx, stop)
		return
	}
	go a.Transfers.PollSignals(ctx, a.Relay, SignalPollInterval)
}

// safeName strips any directory part a peer put in a file name.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "received.bin"
	}
	return name
}

func writeUnique(dir, name string, data []byte) (string, error) {
	base := safeName(name)
	for i := 0; ; i++ {
		path := filepath.Join(dir, candidate(base, i))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}

func renameUnique(src, dir, name string) (string, error) {
	base := safeName(name)
	for i := 0; ; i++ {
		path := filepath.Join(dir, candidate(base, i))
		if _, err := os.Lstat(path); err == nil {
			continue
		}
		if err := os.Rename(src, path); err != nil {
			return "", err
		}
		return path, nil
	}
}

// candidate returns base for i == 0 and "stem (i).ext" otherwise.
func candidate(base string, i int) string {
	if i == 0 {
		return base
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(base, ext), i, ext)
}
