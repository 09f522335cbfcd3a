package interfaces

import (
	"context"

	domaintypes "sealchat/internal/domain/types"
)

// Channel is an established, reliable, in-order message channel between
// two peers.
type Channel interface {
	// Send queues one message. It does not wait for the peer.
	Send(msg []byte) error
	// BufferedAmount is the number of queued bytes not yet handed to the
	// network.
	BufferedAmount() int
	// Recv blocks for the next message.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Link is one side of a direct connection attempt.
type Link interface {
	// Candidates yields local candidates as they are discovered. The
	// channel is closed once gathering is complete.
	Candidates() <-chan domaintypes.Candidate
	// AddRemoteCandidate registers a candidate received from the peer.
	AddRemoteCandidate(c domaintypes.Candidate) error
	// SetRemoteDescription applies the peer's answer (offerer only).
	SetRemoteDescription(d domaintypes.Description) error
	// Open blocks until the channel is open.
	Open(ctx context.Context) (Channel, error)
	Close() error
}

// Connector creates direct connection attempts.
type Connector interface {
	Offer(ctx context.Context, id domaintypes.TransferID) (Link, domaintypes.Description, error)
	Answer(ctx context.Context, id domaintypes.TransferID, remote domaintypes.Description) (Link, domaintypes.Description, error)
}
