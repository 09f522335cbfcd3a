package interfaces

import (
	"context"

	domaintypes "sealchat/internal/domain/types"
)

// KeyService holds the unlocked private key and the public key cache.
type KeyService interface {
	Self() domaintypes.Identity
	PrivateKey() (domaintypes.UnlockedPrivateKey, error)
	GetPublicKey(ctx context.Context, id domaintypes.Identity, forceRefresh bool) (domaintypes.PublicKey, error)
}

// AudienceResolver determines room audiences and their keys.
type AudienceResolver interface {
	ResolveRoomAudience(ctx context.Context, room domaintypes.RoomID) ([]domaintypes.Identity, error)
	EnsureAllKeysKnown(
		ctx context.Context,
		ids []domaintypes.Identity,
		forceRefresh bool,
	) (map[domaintypes.Identity]domaintypes.X25519Public, error)
}

// MessageService encrypts, delivers and opens chat messages.
type MessageService interface {
	SendDirect(ctx context.Context, peer domaintypes.Identity, plaintext []byte) error
	SendRoom(ctx context.Context, room domaintypes.RoomID, plaintext []byte) error
	Open(ctx context.Context, msg domaintypes.InboundMessage) (domaintypes.DecryptedMessage, error)
}
