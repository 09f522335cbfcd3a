package transfer

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/domain"
)

// outbox sends signals one at a time in the order they were queued, so a
// peer never sees a candidate before the offer it belongs to.
type outbox struct {
	ctx     context.Context
	signals domain.SignalingRelay
	log     *logging.Logger

	mu     sync.Mutex
	queue  []domain.Signal
	notify chan struct{}
}

func newOutbox(ctx context.Context, signals domain.SignalingRelay, log *logging.Logger) *outbox {
	return &outbox{ctx: ctx, signals: signals, log: log, notify: make(chan struct{}, 1)}
}

// push never blocks.
func (o *outbox) push(s domain.Signal) {
	o.mu.Lock()
	o.queue = append(o.queue, s)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, s := range batch {
			if err := o.signals.SendSignal(o.ctx, s); err != nil {
				if o.ctx.Err() != nil {
					return
				}
				// The peer's handshake timer covers a lost signal.
				o.log.Warningf("Transfer %s: sending %s to %s: %v", s.TransferID, s.Kind, s.To, err)
			}
		}

		select {
		case <-o.ctx.Done():
			return
		case <-o.notify:
		}
	}
}
