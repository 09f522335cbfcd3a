package types

// Identity names a relay-registered user.
type Identity string

// String returns the string form of the identity.
func (u Identity) String() string { return string(u) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// RoomID identifies a room or group conversation.
type RoomID string

// String returns the string form of the room identifier.
func (id RoomID) String() string { return string(id) }

// TransferID uniquely identifies one in-flight file transfer.
type TransferID string

// String returns the string form of the transfer identifier.
func (id TransferID) String() string { return string(id) }

// FileID is the storage relay's handle for an uploaded file.
type FileID string

// String returns the string form of the file identifier.
func (id FileID) String() string { return string(id) }
