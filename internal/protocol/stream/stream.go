package stream

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
)

const (
	DefaultChunkSize     = 16 * 1024
	DefaultHighWaterMark = 1024 * 1024
	DefaultDrainPoll     = 10 * time.Millisecond

	maxDrainPoll = 250 * time.Millisecond
)

// Options tunes both ends of a stream.
type Options struct {
	ChunkSize     int
	HighWaterMark int
	// DrainPoll is the first backoff step while waiting for the channel
	// to drain below the high-water mark. It doubles up to a fixed cap.
	DrainPoll time.Duration
	// Progress, when set, is called after every chunk with the bytes
	// moved so far and the expected total.
	Progress func(done, total int64)
}

func (o Options) normalize() Options {
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	// A frame must fit under the mark on an empty channel.
	if o.ChunkSize+frameOverhead > o.HighWaterMark {
		o.ChunkSize = o.HighWaterMark - frameOverhead
		if o.ChunkSize < 1 {
			o.ChunkSize = 1
			o.HighWaterMark = 1 + frameOverhead
		}
	}
	if o.DrainPoll <= 0 {
		o.DrainPoll = DefaultDrainPoll
	}
	return o
}

func (o Options) progress(done, total int64) {
	if o.Progress != nil {
		o.Progress(done, total)
	}
}

// Send streams r over ch: one meta frame, fixed-size chunk frames and a
// done frame. It returns once the receiver acknowledged or ctx ends. The
// returned count is the number of data bytes handed to the channel.
func Send(ctx context.Context, ch domain.Channel, meta domain.FileMeta, r io.Reader, opts Options) (int64, error) {
	opts = opts.normalize()

	m := meta
	if err := write(ctx, ch, Frame{Kind: KindMeta, Meta: &m}, opts); err != nil {
		return 0, err
	}

	var sent int64
	buf := make([]byte, opts.ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := write(ctx, ch, Frame{Kind: KindChunk, Data: data}, opts); werr != nil {
				return sent, werr
			}
			sent += int64(n)
			opts.progress(sent, meta.Size)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("read source: %w", err)
		}
	}

	if err := write(ctx, ch, Frame{Kind: KindDone}, opts); err != nil {
		return sent, err
	}

	for {
		b, err := ch.Recv(ctx)
		if err != nil {
			return sent, recvError(ctx, err, "waiting for ack")
		}
		f, err := Decode(b)
		if err != nil {
			return sent, err
		}
		if f.Kind == KindAck {
			return sent, nil
		}
	}
}

// write encodes f and hands it to ch once buffered+len(frame) fits under
// the high-water mark. An empty channel always takes the frame, so a frame
// larger than the mark cannot stall the stream.
func write(ctx context.Context, ch domain.Channel, f Frame, opts Options) error {
	b, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	if err := waitDrain(ctx, ch, len(b), opts); err != nil {
		return err
	}
	if err := ch.Send(b); err != nil {
		return fmt.Errorf("%w: send %s: %v", domain.ErrChannelFailure, f.Kind, err)
	}
	return nil
}

func waitDrain(ctx context.Context, ch domain.Channel, n int, opts Options) error {
	backoff := opts.DrainPoll
	for {
		buffered := ch.BufferedAmount()
		if buffered == 0 || buffered+n <= opts.HighWaterMark {
			return nil
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff *= 2; backoff > maxDrainPoll {
			backoff = maxDrainPoll
		}
	}
}

// Result is the receiving side's outcome.
type Result struct {
	Meta     domain.FileMeta
	Received int64
	// Digest is the sha256:<hex> digest of the received bytes.
	Digest string
	// Integrity is non-nil (ErrIntegrityMismatch) when Digest differs
	// from the announced digest. The bytes were still written to the sink.
	Integrity error
}

// Receive reads one stream from ch into sink. Completion requires both
// the done frame and at least the announced number of bytes; the check
// runs after either arrives. An ack is sent on completion.
func Receive(ctx context.Context, ch domain.Channel, sink io.Writer, opts Options) (Result, error) {
	opts = opts.normalize()

	var (
		res      Result
		haveMeta bool
		doneSeen bool
		h        hash.Hash = crypto.NewDigest()
	)

	complete := func() bool {
		return haveMeta && doneSeen && res.Received >= res.Meta.Size
	}

	for !complete() {
		b, err := ch.Recv(ctx)
		if err != nil {
			return res, recvError(ctx, err, "before completion")
		}
		f, err := Decode(b)
		if err != nil {
			return res, err
		}

		switch f.Kind {
		case KindMeta:
			if haveMeta {
				continue
			}
			res.Meta = *f.Meta
			haveMeta = true
		case KindChunk:
			if !haveMeta {
				return res, fmt.Errorf("%w: chunk before meta", domain.ErrChannelFailure)
			}
			if _, err := sink.Write(f.Data); err != nil {
				return res, fmt.Errorf("write sink: %w", err)
			}
			h.Write(f.Data)
			res.Received += int64(len(f.Data))
			opts.progress(res.Received, res.Meta.Size)
		case KindDone:
			if !haveMeta {
				return res, fmt.Errorf("%w: done before meta", domain.ErrChannelFailure)
			}
			doneSeen = true
		}
	}

	res.Digest = crypto.FormatDigest(h)
	if want := res.Meta.ContentDigest; want != "" && !crypto.DigestsEqual(want, res.Digest) {
		res.Integrity = fmt.Errorf("%w: got %s, announced %s", domain.ErrIntegrityMismatch, res.Digest, want)
	}

	if err := write(ctx, ch, Frame{Kind: KindAck}, opts); err != nil {
		return res, err
	}
	return res, nil
}

func recvError(ctx context.Context, err error, when string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, domain.ErrChannelFailure) {
		return err
	}
	return fmt.Errorf("%w: channel closed %s: %v", domain.ErrChannelFailure, when, err)
}
