package channel

import (
	"context"
	"errors"
	"sync"

	"sealchat/internal/domain"
)

// ErrClosed is returned by a closed channel.
var ErrClosed = errors.New("channel closed")

// pipeQueue is one direction of a pipe. Bytes count as buffered from Send
// until the peer's Recv takes them.
type pipeQueue struct {
	mu       sync.Mutex
	msgs     [][]byte
	buffered int
	closed   bool
	notify   chan struct{}
}

func newPipeQueue() *pipeQueue {
	return &pipeQueue{notify: make(chan struct{}, 1)}
}

func (q *pipeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *pipeQueue) push(b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.msgs = append(q.msgs, b)
	q.buffered += len(b)
	q.wake()
	return nil
}

func (q *pipeQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			b := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			q.buffered -= len(b)
			if len(q.msgs) > 0 || q.closed {
				q.wake()
			}
			q.mu.Unlock()
			return b, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *pipeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.wake()
	q.mu.Unlock()
}

func (q *pipeQueue) amount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// PipeChannel is one end of an in-memory channel.
type PipeChannel struct {
	out *pipeQueue
	in  *pipeQueue

	once sync.Once
}

var _ domain.Channel = (*PipeChannel)(nil)

// Pipe returns two connected channel ends. Messages queue without limit
// and are only drained by the peer's Recv, so a slow reader drives up the
// sender's BufferedAmount.
func Pipe() (*PipeChannel, *PipeChannel) {
	ab, ba := newPipeQueue(), newPipeQueue()
	return &PipeChannel{out: ab, in: ba}, &PipeChannel{out: ba, in: ab}
}

func (c *PipeChannel) Send(msg []byte) error {
	b := make([]byte, len(msg))
	copy(b, msg)
	return c.out.push(b)
}

func (c *PipeChannel) BufferedAmount() int { return c.out.amount() }

func (c *PipeChannel) Recv(ctx context.Context) ([]byte, error) { return c.in.pop(ctx) }

// Close closes both directions. Messages already queued can still be
// read by the peer.
func (c *PipeChannel) Close() error {
	c.once.Do(func() {
		c.out.close()
		c.in.close()
	})
	return nil
}
