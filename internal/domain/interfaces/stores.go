package interfaces

import domaintypes "sealchat/internal/domain/types"

// WrappedKeyStore persists the password-wrapped private key blob.
// Load reports ok=false when no key material exists.
type WrappedKeyStore interface {
	SaveWrappedKey(blob domaintypes.WrappedPrivateKey) error
	LoadWrappedKey() (domaintypes.WrappedPrivateKey, bool, error)
}

// MembershipCache keeps the last-known membership per room.
type MembershipCache interface {
	SaveMembers(room domaintypes.RoomID, members []domaintypes.Identity) error
	LoadMembers(room domaintypes.RoomID) ([]domaintypes.Identity, bool, error)
}
