package interfaces

import (
	"context"
	"io"

	domaintypes "sealchat/internal/domain/types"
)

// Deliverer hands envelopes to the messaging relay. Delivery is best
// effort; delivered=false means the relay could not route the message.
type Deliverer interface {
	Deliver(ctx context.Context, req domaintypes.DeliverRequest) (delivered bool, err error)
}

// KeyDirectory serves public key encodings (PKIX DER) by identity.
type KeyDirectory interface {
	FetchPublicKey(ctx context.Context, id domaintypes.Identity) ([]byte, error)
}

// MembershipSource reports the live membership of a room.
type MembershipSource interface {
	Members(ctx context.Context, room domaintypes.RoomID) ([]domaintypes.Identity, error)
}

// SignalingRelay forwards transfer signaling messages to a peer.
type SignalingRelay interface {
	SendSignal(ctx context.Context, sig domaintypes.Signal) error
}

// SignalSource lets the client pull signals queued for it.
type SignalSource interface {
	FetchSignals(ctx context.Context, me domaintypes.Identity) ([]domaintypes.Signal, error)
}

// MessageSource lets the client pull messages queued for it.
type MessageSource interface {
	FetchMessages(ctx context.Context, me domaintypes.Identity, limit int) ([]domaintypes.InboundMessage, error)
	AckMessages(ctx context.Context, me domaintypes.Identity, count int) error
}

// StorageRelay stores encrypted files for the relay fallback path.
type StorageRelay interface {
	Upload(ctx context.Context, req domaintypes.UploadRequest, ciphertext io.Reader) (domaintypes.FileID, error)
	Fetch(ctx context.Context, id domaintypes.FileID, self domaintypes.Identity) (domaintypes.StoredFile, error)
}
